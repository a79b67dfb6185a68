// Package errors defines the typed error vocabulary shared by every layer of
// the workflow service. Codes are stable strings surfaced to API callers, so
// handlers can map them to HTTP statuses without string-matching messages.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers.
type Code string

const (
	// ErrCodeValidation marks malformed input or definition edits.
	ErrCodeValidation Code = "VALIDATION"
	// ErrCodeUnauthorized marks role or capability failures.
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	// ErrCodeConflict marks expected contention outcomes (AlreadyClaimed,
	// NotClaimedByYou). Cheap, side-effect-free, safe to retry.
	ErrCodeConflict Code = "CONFLICT"
	// ErrCodeState marks an operation against a terminal task or instance.
	ErrCodeState Code = "STATE"
	// ErrCodeNotFound marks a missing resource.
	ErrCodeNotFound Code = "NOT_FOUND"
	// ErrCodeInternal marks unexpected failures (storage, collaborators).
	ErrCodeInternal Code = "INTERNAL"
)

// Error is a code-carrying error. It wraps an optional cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with the given code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err returns nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports that a resource does not exist.
func NotFound(resource, id string) error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf extracts the code from err, or ErrCodeInternal when it carries none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// MessageOf extracts the caller-facing message from err.
func MessageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeState:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
