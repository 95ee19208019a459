package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers. Blocking codes require a corrected work
// order or operator action; retryable codes may be re-dispatched.
const (
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodePathForbidden       = "PATH_FORBIDDEN"
	CodeGovernanceBlocked   = "GOVERNANCE_BLOCKED"
	CodeExecutionDisarmed   = "EXECUTION_DISARMED"
	CodeSubagentUnavailable = "SUBAGENT_UNAVAILABLE"
	CodeVerificationError   = "VERIFICATION_ERROR"
	CodeVerificationFailed  = "VERIFICATION_FAILED"
)

// Error carries a stable code alongside a human-readable reason. Terminal
// failures always surface through this type, never a raw internal error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a coded error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the code from an error, or "" when it is not coded.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
