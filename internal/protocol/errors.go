package protocol

import (
	"errors"
	"fmt"
)

// Error codes from the NEF error taxonomy (spec.md §7).
const (
	CodeBadArg     = "BADARG"
	CodeNoSuch     = "NOSUCH"
	CodeRecovering = "RECOVERING"
	CodeTimedOut   = "TIMEDOUT"
	CodeExists     = "EXISTS"
	CodeInvalid    = "INVALID"
	CodeInternal   = "INTERNAL"
	CodeUnimpl     = "UNIMPL"
)

// Error is a structured protocol error with a taxonomy code, a
// human-readable message, an optional cause, and free-form context. It
// mirrors the teacher's core/mdp.Error shape, generalized from
// MDP-transport error codes to the NEF request/reply taxonomy.
type Error struct {
	Code    string
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same code, or whether
// the wrapped cause matches target.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return errors.Is(e.Cause, target)
}

// WithContext attaches a key/value pair of diagnostic context and returns
// the receiver for chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New builds a structured protocol error.
func New(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// NewBadArg reports a client input that failed schema validation or named
// an unknown method/worker field.
func NewBadArg(message string, cause error) *Error {
	return New(CodeBadArg, message, cause)
}

// NewNoSuch reports a worker that does not exist, is disabled, or is not
// running.
func NewNoSuch(worker, reason string) *Error {
	return New(CodeNoSuch, fmt.Sprintf("worker %q: %s", worker, reason), nil).
		WithContext("worker", worker)
}

// NewRecovering reports a worker that is known but reconnecting.
func NewRecovering(worker string) *Error {
	return New(CodeRecovering, fmt.Sprintf("worker %q is reconnecting", worker), nil).
		WithContext("worker", worker)
}

// NewTimedOut reports a request that exceeded its effective timeout.
func NewTimedOut(requestID string) *Error {
	return New(CodeTimedOut, "request timed out", nil).WithContext("requestId", requestID)
}

// NewExists reports a resource already owned (pid file, worker registration).
func NewExists(resource string) *Error {
	return New(CodeExists, fmt.Sprintf("%s already exists", resource), nil)
}

// NewInvalid reports output that failed schema validation, client-surfaced
// form.
func NewInvalid(message string, cause error) *Error {
	return New(CodeInvalid, message, cause)
}

// NewInternal reports output validation failure or an uncaught handler
// error, server-surfaced form.
func NewInternal(message string, cause error) *Error {
	return New(CodeInternal, message, cause)
}

// NewUnimpl reports a method the worker does not implement.
func NewUnimpl(method string) *Error {
	return New(CodeUnimpl, fmt.Sprintf("method %q not implemented", method), nil).
		WithContext("method", method)
}

// IsRetryable reports whether the client should expect a retry to help:
// true for conditions that are transient (RECOVERING, TIMEDOUT).
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case CodeRecovering, CodeTimedOut:
			return true
		default:
			return false
		}
	}
	return false
}
