package model

import (
	"fmt"
	"net/http"
)

// Category is a fixed error taxonomy. Each category maps to a fixed
// HTTP status. No component logs an error according to its category;
// internal/httpd returns every category, INTERNAL included, as a JSON
// envelope without logging it.
type Category string

const (
	// CategoryInvalidInput covers malformed identifiers, out-of-range
	// ports, and oversized payloads. Never logged at error level.
	CategoryInvalidInput Category = "INVALID_INPUT"

	// CategoryUnknownServiceType is returned when auto-allocation is
	// disabled, or the planner refused, for an unrecognized service type.
	CategoryUnknownServiceType Category = "UNKNOWN_SERVICE_TYPE"

	// CategoryRangeExhausted is returned when no candidate port in a
	// service type's range could be committed.
	CategoryRangeExhausted Category = "RANGE_EXHAUSTED"

	// CategoryPortConflict is returned when strict mode observes an
	// OS-level EADDRINUSE on a port the grant table believed free.
	CategoryPortConflict Category = "PORT_CONFLICT"

	// CategoryUnknownLockID is returned when a release target does not
	// exist in the grant table.
	CategoryUnknownLockID Category = "UNKNOWN_LOCK_ID"

	// CategoryStateCorrupted is surfaced once, at startup, when neither
	// the primary state file nor any backup verifies.
	CategoryStateCorrupted Category = "STATE_CORRUPTED"

	// CategoryPlannerFailed is returned when auto-allocation could not
	// find a valid range, or the config write failed.
	CategoryPlannerFailed Category = "PLANNER_FAILED"

	// CategoryInternal covers everything else; surfaced as a 500.
	CategoryInternal Category = "INTERNAL"
)

// httpStatus maps each Category to the HTTP status the transport layer
// should use when surfacing it. Transport concerns are out of scope for
// the core, but a status is attached here so internal/httpd
// need not duplicate the mapping.
func (c Category) httpStatus() int {
	switch c {
	case CategoryInvalidInput:
		return http.StatusBadRequest
	case CategoryUnknownServiceType:
		return http.StatusNotFound
	case CategoryRangeExhausted:
		return http.StatusConflict
	case CategoryPortConflict:
		return http.StatusConflict
	case CategoryUnknownLockID:
		return http.StatusNotFound
	case CategoryStateCorrupted:
		return http.StatusInternalServerError
	case CategoryPlannerFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the daemon's single typed error, carrying enough information
// for the HTTP transport to build its JSON error envelope:
// {success:false, error, category, suggestions?}.
//
// It carries an HTTP status and recoverable-error suggestions rather
// than a process exit code, since this package backs a long-lived
// daemon rather than a one-shot CLI invocation.
type Error struct {
	// Category classifies the error.
	Category Category

	// Message is the sanitized, user-facing message.
	Message string

	// Suggestions are actionable next steps for recoverable errors
	// (e.g. "run cleanup", "try a different preferred port").
	Suggestions []string

	// Context carries structured, error-specific data — e.g. RangeExhausted
	// attaches the held-port list here so the transport can surface it.
	Context map[string]interface{}

	// Err is the wrapped underlying cause, if any.
	Err error
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap enables errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code the transport layer should use.
func (e *Error) HTTPStatus() int {
	return e.Category.httpStatus()
}

// NewError creates a new Error with the given category and message.
func NewError(category Category, message string) *Error {
	return &Error{Category: category, Message: message}
}

// WrapError creates a new Error that wraps an existing error.
func WrapError(category Category, message string, err error) *Error {
	return &Error{Category: category, Message: message, Err: err}
}

// WithSuggestions attaches actionable suggestions and returns the same
// Error for chaining at the call site.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = suggestions
	return e
}

// WithContext attaches structured context data and returns the same
// Error for chaining at the call site.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}
