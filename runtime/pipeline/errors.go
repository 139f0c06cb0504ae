package pipeline

import (
	"errors"
	"fmt"
)

// Error codes carried by failed envelopes and run records. Transports use
// RetryableCode to decide between resubmission and the error channel.
const (
	// CodeInvalidInput flags malformed or missing required input at a boundary.
	// Rejected before the state machine is touched.
	CodeInvalidInput = "invalid_input"
	// CodeNotFound flags a lookup miss (unknown run, activity, or tool).
	CodeNotFound = "not_found"
	// CodeUnavailable flags transient infrastructure failures (store or
	// remote-call unavailability). Retryable.
	CodeUnavailable = "unavailable"
	// CodeProviderFailure flags a domain failure reported by a capability
	// provider (generation refused, publish rejected).
	CodeProviderFailure = "provider_failure"
	// CodeReconcileFailed flags an instruction push that did not reach the
	// remote agent. Retryable: stale instructions are a correctness risk.
	CodeReconcileFailed = "reconcile_failed"
	// CodeInternal flags recovered panics and other unclassified faults.
	CodeInternal = "internal"
)

// ErrRunNotFound is returned by Store implementations when no record exists
// for the requested runTraceId.
var ErrRunNotFound = errors.New("pipeline: run not found")

// Error is the structured failure carried by envelopes and persisted on
// failed runs. It implements the error interface and supports errors.Is/As
// through Unwrap.
type Error struct {
	// Code classifies the failure (see the Code* constants).
	Code string `json:"code"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`

	cause error
}

// NewError constructs an Error with the given code and message.
func NewError(code, message string) *Error {
	if code == "" {
		code = CodeInternal
	}
	return &Error{Code: code, Message: message}
}

// Errorf formats according to a format specifier and returns the string as an
// Error with the given code.
func Errorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError constructs an Error that wraps an underlying cause. The cause is
// reachable via errors.Unwrap; only Code and Message survive serialization.
func WrapError(code, message string, cause error) *Error {
	e := NewError(code, message)
	if message == "" && cause != nil {
		e.Message = cause.Error()
	}
	e.cause = cause
	return e
}

// AsError converts an arbitrary error into an *Error. Structured errors pass
// through unchanged; everything else is wrapped under the fallback code.
func AsError(err error, fallbackCode string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(fallbackCode, err.Error(), err)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Retryable reports whether the failure is transient and safe to resubmit.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return RetryableCode(e.Code)
}

// RetryableCode reports whether the given error code denotes a transient
// failure.
func RetryableCode(code string) bool {
	switch code {
	case CodeUnavailable, CodeReconcileFailed:
		return true
	}
	return false
}
