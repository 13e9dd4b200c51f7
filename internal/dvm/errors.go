package dvm

import "fmt"

// ValidationError is a caller-facing, non-retryable input problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %s: %s", e.Field, e.Message) }

func validationErr(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ProviderError wraps a failure from an external capability (payment,
// identity, or a remote inference backend). It is logged, not fatal.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string { return fmt.Sprintf("provider: %s", e.Message) }

func providerErr(format string, args ...interface{}) *ProviderError {
	return &ProviderError{Message: fmt.Sprintf(format, args...)}
}

// BudgetExceededError is returned when admitting a reservation would break
// the per-tick or per-day cap.
type BudgetExceededError struct {
	Period string // "tick" or "day"
	CapUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: per-%s cap of %.6f USD would be breached", e.Period, e.CapUSD)
}

// InferenceFailedError wraps a backend completion failure.
type InferenceFailedError struct {
	Message string
}

func (e *InferenceFailedError) Error() string { return fmt.Sprintf("inference failed: %s", e.Message) }

func inferenceFailedErr(format string, args ...interface{}) *InferenceFailedError {
	return &InferenceFailedError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned for lookups against a job id or invoice that
// does not exist.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("not found: %s", e.Message) }
