// SPDX-License-Identifier: Apache-2.0
// Package errors provides the typed error taxonomy shared by synod components.
// Every denial, guardrail refusal and degraded execution surfaces as a
// *SynodError so callers can branch on Code instead of parsing messages.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies synod errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized indicates an RBAC or ACL denial.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeApprovalDenied indicates a human rejected (or failed to approve) an action.
	CodeApprovalDenied ErrorCode = "APPROVAL_DENIED"

	// CodeGuardrail indicates pruning preconditions were not met.
	CodeGuardrail ErrorCode = "GUARDRAIL_VIOLATION"

	// CodeHandlerFailure indicates an event subscriber failed.
	CodeHandlerFailure ErrorCode = "HANDLER_FAILURE"

	// CodeTeamExecution indicates a team run failed and was replaced by a degraded result.
	CodeTeamExecution ErrorCode = "TEAM_EXECUTION_FAILURE"

	// CodeStorage indicates the backing store failed.
	CodeStorage ErrorCode = "STORAGE_ERROR"

	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout ErrorCode = "TIMEOUT"
)

// SynodError is a typed error with context for audit and observability.
// It implements the error interface and can be unwrapped with errors.As().
type SynodError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *SynodError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *SynodError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *SynodError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(struct {
		Code        string         `json:"code"`
		Message     string         `json:"message"`
		Err         string         `json:"error,omitempty"`
		Context     map[string]any `json:"context,omitempty"`
		Recoverable bool           `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Err:         cause,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	})
}

// New creates a new SynodError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *SynodError {
	return &SynodError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]any),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
func (e *SynodError) WithContext(key string, value any) *SynodError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the caller may retry with different parameters.
func (e *SynodError) WithRecoverable(recoverable bool) *SynodError {
	e.Recoverable = recoverable
	return e
}

// Authorization reports an RBAC or ACL denial for actor performing action.
func Authorization(actor, action, reason string) *SynodError {
	return New(CodeUnauthorized, reason, nil).
		WithContext("actor", actor).
		WithContext("action", action)
}

// ApprovalDenied reports a HITL rejection.
func ApprovalDenied(user, action, reason string) *SynodError {
	return New(CodeApprovalDenied, reason, nil).
		WithContext("user", user).
		WithContext("action", action)
}

// Guardrail reports a pruning precondition that was not met.
func Guardrail(team, reason string) *SynodError {
	return New(CodeGuardrail, reason, nil).
		WithContext("team", team).
		WithRecoverable(true)
}

// NotFound reports a missing key or resource.
func NotFound(what string) *SynodError {
	return New(CodeNotFound, what+" not found", nil)
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var se *SynodError
	if !stderrors.As(err, &se) {
		return false
	}
	return se.Code == code
}

// AsSynodError attempts to convert an error to a SynodError.
// Unknown errors are wrapped as internal.
func AsSynodError(err error) *SynodError {
	if err == nil {
		return nil
	}
	var se *SynodError
	if stderrors.As(err, &se) {
		return se
	}
	return New(CodeInternal, "wrapped error", err)
}

func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodeUnauthorized, CodeApprovalDenied:
		return 403
	case CodeInvalidInput:
		return 400
	case CodeGuardrail:
		return 409
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}
