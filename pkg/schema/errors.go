package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodePermanent         = "PERMANENT_FAILURE"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeScheduling        = "SCHEDULING_ERROR"
)

// retryableCodes marks which error codes are worth another attempt.
// Permanent failures, validation problems and exhausted retries are not.
var retryableCodes = map[string]bool{
	ErrCodeExecution:   true,
	ErrCodeTimeout:     true,
	ErrCodeRateLimited: true,
	ErrCodeCircuitOpen: true,
	ErrCodeStore:       true,
	ErrCodeScheduling:  true,
	ErrCodeStepFailed:  true,
}

// EngineError is the structured error type for all gantry operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	// RetryAfterSeconds carries an explicit server-requested backoff,
	// e.g. from a rate-limit response. Zero means no hint.
	RetryAfterSeconds int   `json:"retry_after_seconds,omitempty"`
	Cause             error `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error's code permits another attempt.
func (e *EngineError) IsRetryable() bool {
	return retryableCodes[e.Code]
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewPermanent creates a non-retryable failure. Step handlers return this
// to stop the engine from scheduling further attempts.
func NewPermanent(message string) *EngineError {
	return &EngineError{Code: ErrCodePermanent, Message: message}
}

// NewRateLimited creates a retryable failure carrying an explicit backoff
// request, typically taken from a Retry-After response header.
func NewRateLimited(message string, retryAfterSeconds int) *EngineError {
	return &EngineError{
		Code:              ErrCodeRateLimited,
		Message:           message,
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// WithStep attaches a step name to the error.
func (e *EngineError) WithStep(step string) *EngineError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
