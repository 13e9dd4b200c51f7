package auth

import "fmt"

// ValidationError reports a rejected input field, mirroring the teacher's
// circuitbreaker sentinel-error style but carrying the field name callers
// need to surface in a form.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// UnauthorizedError means the caller presented no credential, or one that
// no longer maps to an active session.
type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

// ForbiddenError means the caller is authenticated but not entitled to the
// requested resource.
type ForbiddenError struct{ Message string }

func (e *ForbiddenError) Error() string { return e.Message }

// ConflictError means the request cannot be satisfied given current state.
type ConflictError struct{ Message string }

func (e *ConflictError) Error() string { return e.Message }

// ProviderError wraps a failure surfaced by the identity provider (network,
// malformed upstream response, or provider unavailable by configuration).
type ProviderError struct{ Message string }

func (e *ProviderError) Error() string { return e.Message }

func validationErr(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func unauthorizedErr(message string) error { return &UnauthorizedError{Message: message} }

func forbiddenErr(message string) error { return &ForbiddenError{Message: message} }

func conflictErr(format string, args ...interface{}) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

func providerErr(message string) error { return &ProviderError{Message: message} }
