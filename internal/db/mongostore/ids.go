package mongostore

import "github.com/google/uuid"

func newID() string        { return uuid.NewString() }
func newLockToken() string { return uuid.NewString() }
