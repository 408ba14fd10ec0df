// Package engineerr defines the category-tagged error type shared across
// the plan/schedule core, endpoint executor, and job pipeline. Categories
// mirror the taxonomy in the scheduling engine's error-handling design.
package engineerr

import (
	"errors"
	"fmt"
)

// Category classifies an engine-level error for retry/escalation decisions
// and for the "[category]" prefix surfaced on thrown errors.
type Category string

const (
	CategorySchemaParseError   Category = "schema_parse_error"
	CategorySemanticViolation  Category = "semantic_violation"
	CategoryTimeout            Category = "timeout"
	CategoryRateLimit          Category = "rate_limit"
	CategoryAuthError          Category = "auth_error"
	CategoryNetwork            Category = "network"
	CategoryUnknown            Category = "unknown"

	CategoryHTTP4xx  Category = "http_4xx"
	CategoryHTTP5xx  Category = "http_5xx"
	CategoryAborted  Category = "aborted"

	CategoryPlanError      Category = "plan_error"
	CategoryExecutionError Category = "execution_error"
	CategoryScheduleError  Category = "schedule_error"
	CategoryUnknownError   Category = "unknown_error"
)

// Error is an error annotated with a Category, rendered as "[category] msg".
type Error struct {
	Category Category
	Message  string
	Cause    error
}

// New constructs a categorized error without an underlying cause.
func New(cat Category, msg string) *Error {
	return &Error{Category: cat, Message: msg}
}

// Wrap constructs a categorized error that wraps cause.
func Wrap(cat Category, msg string, cause error) *Error {
	return &Error{Category: cat, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// CategoryOf returns the Category of err when err is (or wraps) an *Error,
// and CategoryUnknown otherwise.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryUnknown
}
