package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
	ErrSkillUnavailable  = "SKILL_UNAVAILABLE"
	ErrSkillTimeout      = "SKILL_TIMEOUT"
)

// Workflow-specific error codes.
const (
	ErrWorkflowNotFound  = "WORKFLOW_NOT_FOUND"
	ErrExecutionNotFound = "EXECUTION_NOT_FOUND"
	ErrInputsMissing     = "INPUTS_MISSING"
	ErrSkillNotFound     = "SKILL_NOT_FOUND"
	ErrStepFailed        = "STEP_FAILED"
	ErrDefinitionInvalid = "DEFINITION_INVALID"
)

// ErrorEnvelope is the standard error response envelope returned by the service.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	StepID  string       `json:"step_id,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error naming the
// current status of the execution.
func NewInvalidTransitionError(op string, status ExecutionStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("cannot %s an execution in status %q", op, status),
	}
}

// NewInputsMissingError lists the required global inputs that have no value.
func NewInputsMissingError(ids []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(ids))
	for _, id := range ids {
		details = append(details, FieldError{Field: id, Code: "REQUIRED", Message: "input is required"})
	}
	return &ErrorEnvelope{
		Code:    ErrInputsMissing,
		Message: "missing required inputs: " + strings.Join(ids, ", "),
		Details: details,
	}
}

// NewSkillNotFoundError returns a SKILL_NOT_FOUND error.
func NewSkillNotFoundError(skillID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSkillNotFound,
		Message: fmt.Sprintf("no invoker registered for skill %q", skillID),
	}
}

// NewSkillUnavailableError returns a SKILL_UNAVAILABLE error.
func NewSkillUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSkillUnavailable,
		Message: "The skill backend is temporarily unavailable",
	}
}

// NewSkillTimeoutError returns a SKILL_TIMEOUT error.
func NewSkillTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSkillTimeout,
		Message: "The skill backend did not respond in time",
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// AsEnvelope unwraps err into an *ErrorEnvelope if one is in its chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	env, ok := AsEnvelope(err)
	return ok && env.Code == code
}
