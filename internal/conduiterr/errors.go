// Package conduiterr is the typed error hierarchy for the routing
// pipeline, mirroring the exception taxonomy every component raises and the
// façade surfaces to its caller.
package conduiterr

import "fmt"

// Code is one of the fixed error codes a ConduitError can carry.
type Code string

const (
	CodeAnalysisFailed      Code = "ANALYSIS_FAILED"
	CodeRoutingFailed       Code = "ROUTING_FAILED"
	CodeExecutionFailed     Code = "EXECUTION_FAILED"
	CodeAllModelsFailed     Code = "ALL_MODELS_FAILED"
	CodeDatabaseError       Code = "DATABASE_ERROR"
	CodeValidationError     Code = "VALIDATION_ERROR"
	CodeConfigurationError Code = "CONFIGURATION_ERROR"
	CodeStateVersionConflict Code = "STATE_VERSION_CONFLICT"
	CodeCircuitBreakerOpen  Code = "CIRCUIT_BREAKER_OPEN"
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
)

// ConduitError is the base error type every component-level failure uses.
type ConduitError struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *ConduitError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ConduitError) Unwrap() error { return e.cause }

func newErr(code Code, message string, cause error, details map[string]any) *ConduitError {
	return &ConduitError{Code: code, Message: message, Details: details, cause: cause}
}

func NewAnalysisError(message string, cause error) *ConduitError {
	return newErr(CodeAnalysisFailed, message, cause, nil)
}

func NewRoutingError(message string, cause error) *ConduitError {
	return newErr(CodeRoutingFailed, message, cause, nil)
}

func NewExecutionError(message string, cause error) *ConduitError {
	return newErr(CodeExecutionFailed, message, cause, nil)
}

// NewAllModelsFailedError records every attempted arm and its failure in
// Details["attempts"] so the caller can see the whole fallback chain.
func NewAllModelsFailedError(message string, attempts map[string]string) *ConduitError {
	return newErr(CodeAllModelsFailed, message, nil, map[string]any{"attempts": attempts})
}

func NewDatabaseError(message string, cause error) *ConduitError {
	return newErr(CodeDatabaseError, message, cause, nil)
}

func NewValidationError(message string, field string) *ConduitError {
	var details map[string]any
	if field != "" {
		details = map[string]any{"field": field}
	}
	return newErr(CodeValidationError, message, nil, details)
}

func NewConfigurationError(message string) *ConduitError {
	return newErr(CodeConfigurationError, message, nil, nil)
}

// NewStateVersionConflictError is raised when the optimistic-lock CAS write
// protocol exhausts its retry budget.
func NewStateVersionConflictError(key string, expectedVersion int) *ConduitError {
	return newErr(CodeStateVersionConflict, "state version conflict", nil, map[string]any{
		"key":              key,
		"expected_version": expectedVersion,
	})
}

func NewCircuitBreakerOpenError(arm string) *ConduitError {
	return newErr(CodeCircuitBreakerOpen, "circuit breaker open", nil, map[string]any{"arm": arm})
}

func NewRateLimitError(message string) *ConduitError {
	return newErr(CodeRateLimitExceeded, message, nil, nil)
}

// Is lets errors.Is match on Code, so callers can write
// errors.Is(err, &ConduitError{Code: CodeAllModelsFailed}) without caring
// about Message/Details/cause.
func (e *ConduitError) Is(target error) bool {
	t, ok := target.(*ConduitError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
