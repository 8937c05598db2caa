package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUpstream     = errors.New("upstream unavailable")
	ErrReplication  = errors.New("replication failure")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Reason  string // Optional: machine-readable reason code (e.g. "HashMismatch")
	Cause   error  // Optional: lower-level error that triggered this one
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause so errors.Is works against either.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Rejected is a validation failure carrying a stable reason code.
// The message validator uses it so callers can surface "why" without parsing strings.
func Rejected(reason, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Reason:  reason,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// Upstream wraps a failure talking to a peer, PDS, Hub or oracle endpoint.
func Upstream(endpoint string, cause error) *AppError {
	return &AppError{
		Err:     ErrUpstream,
		Message: fmt.Sprintf("upstream %s unavailable", endpoint),
		Cause:   cause,
	}
}

// Replication wraps a non-fatal replication failure. It is logged, never returned to clients.
func Replication(target string, cause error) *AppError {
	return &AppError{
		Err:     ErrReplication,
		Message: fmt.Sprintf("replication to %s failed", target),
		Cause:   cause,
	}
}

// ReasonOf returns the reason code of the first AppError in err's chain, or "".
func ReasonOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ""
}
