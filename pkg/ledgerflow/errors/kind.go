// Package errors classifies failures so that callers can decide between
// retrying, dead-lettering, and surfacing a structured result.
//
// Every error that crosses a component boundary should carry a Kind:
//   - Validation, Authorization: malformed or forbidden input, never retried
//   - NotFound: the referenced entity does not exist, acknowledged and dropped
//   - Conflict: a business rule rejected the operation (e.g. insufficient balance)
//   - Transient: network, timeout, or connection trouble, retried up to a bound
//   - Internal: anything unclassified, treated as permanent
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind represents how an error should be handled.
type Kind int

const (
	// KindInternal is an unclassified failure. It is not retried.
	KindInternal Kind = iota

	// KindValidation indicates malformed or out-of-range input.
	KindValidation

	// KindAuthorization indicates the actor may not perform the operation.
	KindAuthorization

	// KindNotFound indicates a referenced entity does not exist.
	KindNotFound

	// KindConflict indicates a business rule rejected the operation.
	KindConflict

	// KindTransient indicates retry will likely help.
	// Examples: timeouts, dropped connections, busy databases.
	KindTransient
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Code returns the stable error code reported in workflow results.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindAuthorization:
		return "authorization_error"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient_error"
	default:
		return "internal_error"
	}
}

// Error wraps an error with its kind and the operation that produced it.
type Error struct {
	// Kind indicates how this error should be handled.
	Kind Kind

	// Op describes what operation was being attempted.
	Op string

	// Err is the underlying error.
	Err error

	// Attempts is the number of attempts made before giving up.
	Attempts int
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (kind: %s)", e.Op, msg, e.Kind)
	}
	return fmt.Sprintf("%s (kind: %s)", msg, e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, err error, op string) *Error {
	return &Error{Kind: kind, Err: err, Op: op}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...), Op: op}
}

// Validation creates a validation error.
func Validation(err error, op string) *Error { return New(KindValidation, err, op) }

// Authorization creates an authorization error.
func Authorization(err error, op string) *Error { return New(KindAuthorization, err, op) }

// NotFound creates a not-found error.
func NotFound(err error, op string) *Error { return New(KindNotFound, err, op) }

// Conflict creates a conflict error.
func Conflict(err error, op string) *Error { return New(KindConflict, err, op) }

// Transient creates a transient error.
func Transient(err error, op string) *Error { return New(KindTransient, err, op) }

// Internal creates an internal error.
func Internal(err error, op string) *Error { return New(KindInternal, err, op) }

// KindOf determines how an error should be handled.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}

	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}

	// Deadlines are budget overruns; cancellation is the caller giving up.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindTransient
	}

	// Unknown errors are permanent (fail safe)
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}

// Code returns the stable error code for err, or "" when err is nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	return KindOf(err).Code()
}
