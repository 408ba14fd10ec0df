package mongostore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cronicorn/engine/internal/domain"
)

func TestAddTokenUsage_ZeroUsageIsNoop(t *testing.T) {
	// addTokenUsage short-circuits on the zero value without touching the
	// collection, so calling it on a Store with no live connection must not
	// panic or attempt any network I/O.
	s := &Store{}
	err := s.addTokenUsage(nil, "job1", domain.TokenUsage{})
	assert.NoError(t, err)
}

func TestNewID_ProducesDistinctValues(t *testing.T) {
	assert.NotEqual(t, newID(), newID())
	assert.NotEqual(t, newLockToken(), newLockToken())
}
