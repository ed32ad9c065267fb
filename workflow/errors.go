package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies workflow errors for outer adapters (HTTP handlers,
// CLIs) without those adapters inspecting messages.
type ErrorKind string

// Error kinds surfaced by the core.
const (
	KindInvalidRequest ErrorKind = "invalid_request"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindAuthRequired   ErrorKind = "auth_required"
	KindInternal       ErrorKind = "internal_error"

	// KindInvalidTransition marks a run-control action applied from a
	// status it is not allowed from.
	KindInvalidTransition ErrorKind = "run_control_invalid_transition"

	// KindRetryTargetsNotFound marks a retry control against a run with no
	// latest-attempt failed nodes.
	KindRetryTargetsNotFound ErrorKind = "run_control_retry_targets_not_found"
)

// Error is the workflow core's error type. Code carries a stable
// machine-readable identifier such as "WORKFLOW_TREE_NOT_FOUND".
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds an Error with a formatted message.
func NewError(kind ErrorKind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error around a cause.
func WrapError(kind ErrorKind, code string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind of err, defaulting to internal_error for
// errors that did not originate in this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable error code of err, or empty.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
