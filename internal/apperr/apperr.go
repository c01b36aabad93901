// Package apperr defines the closed set of error codes surfaced at the API boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	// Policy denials.
	CodeTypedConfirmRequired Code = "TYPED_CONFIRM_REQUIRED"
	CodePolicyDenied         Code = "POLICY_DENIED"
	CodeApprovalRequired     Code = "APPROVAL_REQUIRED"

	// Single-writer violations.
	CodeManagerControlledState           Code = "MANAGER_CONTROLLED_STATE"
	CodeManagerControlledOperationStatus Code = "MANAGER_CONTROLLED_OPERATION_STATUS"
	CodeManagerControlledOperationGraph  Code = "MANAGER_CONTROLLED_OPERATION_GRAPH"

	// Integrity violations.
	CodeApprovalOperationWorkOrderMismatch Code = "APPROVAL_OPERATION_WORKORDER_MISMATCH"

	// Stale or duplicate signals. These are reported as no-op outcomes, not failures.
	CodeCompletionInvalidState Code = "COMPLETION_INVALID_STATE"
	CodeCompletionStaleIgnored Code = "COMPLETION_STALE_IGNORED"

	CodeWorkOrderBlockedUseResume Code = "WORK_ORDER_BLOCKED_USE_RESUME"
	CodeInvalidTransition         Code = "INVALID_TRANSITION"
	CodeApprovalAlreadyDecided    Code = "APPROVAL_ALREADY_DECIDED"
	CodeDispatchAlreadyRunning    Code = "DISPATCH_ALREADY_RUNNING"
	CodeRuntimeUnavailable        Code = "RUNTIME_UNAVAILABLE"
	CodePackageBlockedByScan      Code = "PACKAGE_BLOCKED_BY_SCAN"
	CodeReceiptAlreadyFinalized   Code = "RECEIPT_ALREADY_FINALIZED"
	CodeNotFound                  Code = "NOT_FOUND"
	CodeBadRequest                Code = "BAD_REQUEST"
	CodeForbidden                 Code = "FORBIDDEN"
)

var statusByCode = map[Code]int{
	CodeTypedConfirmRequired:               http.StatusPreconditionRequired,
	CodePolicyDenied:                       http.StatusForbidden,
	CodeApprovalRequired:                   http.StatusForbidden,
	CodeManagerControlledState:             http.StatusBadRequest,
	CodeManagerControlledOperationStatus:   http.StatusForbidden,
	CodeManagerControlledOperationGraph:    http.StatusGone,
	CodeApprovalOperationWorkOrderMismatch: http.StatusBadRequest,
	CodeCompletionInvalidState:             http.StatusOK,
	CodeCompletionStaleIgnored:             http.StatusOK,
	CodeWorkOrderBlockedUseResume:          http.StatusConflict,
	CodeInvalidTransition:                  http.StatusConflict,
	CodeApprovalAlreadyDecided:             http.StatusConflict,
	CodeDispatchAlreadyRunning:             http.StatusConflict,
	CodeRuntimeUnavailable:                 http.StatusServiceUnavailable,
	CodePackageBlockedByScan:               http.StatusConflict,
	CodeReceiptAlreadyFinalized:            http.StatusConflict,
	CodeNotFound:                           http.StatusNotFound,
	CodeBadRequest:                         http.StatusBadRequest,
	CodeForbidden:                          http.StatusForbidden,
}

// Status returns the HTTP status associated with the code.
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a typed failure with a code, an HTTP status hint and optional details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error.
func (e *Error) Status() int { return e.Code.Status() }

// New builds an Error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetails attaches details and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	ae, ok := As(err)
	return ok && ae.Code == code
}
