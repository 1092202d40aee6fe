package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"

	ErrCodeStageFailed    = "STAGE_FAILED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"

	ErrCodeTransientBackend  = "TRANSIENT_BACKEND"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeAllTiersExhausted = "ALL_TIERS_EXHAUSTED"

	ErrCodeRunAlreadyActive         = "RUN_ALREADY_ACTIVE"
	ErrCodeDuplicatePendingApproval = "DUPLICATE_PENDING_APPROVAL"
	ErrCodeStaleApproval            = "STALE_APPROVAL"
	ErrCodeApprovalTimedOut         = "APPROVAL_TIMED_OUT"
)

// StewardError is the structured error type for all steward operations.
type StewardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StewardError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StewardError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation that produced the error can
// be retried after a backoff. Rate limits are transient but are excluded:
// the tier fallback already routed around them.
func (e *StewardError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransientBackend, ErrCodeTimeout, ErrCodeAllTiersExhausted:
		return true
	default:
		return false
	}
}

// NewError creates a new StewardError.
func NewError(code, message string) *StewardError {
	return &StewardError{Code: code, Message: message}
}

// NewErrorf creates a new StewardError with a formatted message.
func NewErrorf(code, format string, args ...any) *StewardError {
	return &StewardError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage name to the error.
func (e *StewardError) WithStage(stage string) *StewardError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *StewardError) WithCause(err error) *StewardError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StewardError) WithDetails(details map[string]any) *StewardError {
	e.Details = details
	return e
}
