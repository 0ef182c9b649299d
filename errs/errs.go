// Package errs defines the error taxonomy shared by every data layer component.
//
// Components keep their own typed errors (http.RequestError, cache.OperationError, ...)
// and expose their category through the Kinded interface so callers can classify
// failures without importing every package:
//
//	switch errs.KindOf(err) {
//	case errs.KindCancelled:
//	    return // never surfaced to users
//	case errs.KindAuth:
//	    // prompt for sign-in
//	}
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the category of a data layer failure.
type Kind string

const (
	// KindNetwork covers transport and HTTP failures.
	KindNetwork Kind = "network"
	// KindAuth covers missing or rejected credentials. Never retried.
	KindAuth Kind = "auth"
	// KindValidation covers caller input that violates a schema.
	KindValidation Kind = "validation"
	// KindConflict covers server-stated divergence from client state (HTTP 409).
	KindConflict Kind = "conflict"
	// KindCancelled covers caller-initiated cancellation. Never user-visible.
	KindCancelled Kind = "cancelled"
	// KindInternal covers invariant violations.
	KindInternal Kind = "internal"
)

// Kinded is implemented by errors that know their taxonomy category.
type Kinded interface {
	error
	Kind() Kind
}

// Error is a generic categorized error for components without a richer type.
type Error struct {
	kind    Kind
	Op      string
	Message string
	Err     error
}

// Kind implements Kinded.
func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.kind, msg, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a categorized error.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{kind: kind, Op: op, Message: message, Err: err}
}

// Auth creates an auth error.
func Auth(op, message string) *Error {
	return New(KindAuth, op, message, nil)
}

// Validation creates a validation error.
func Validation(op, message string) *Error {
	return New(KindValidation, op, message, nil)
}

// Internal creates an internal error.
func Internal(op, message string, err error) *Error {
	return New(KindInternal, op, message, err)
}

// Cancelled wraps err as a cancellation.
func Cancelled(op string, err error) *Error {
	return New(KindCancelled, op, "operation cancelled", err)
}

// KindOf classifies err. Context cancellation is reported as KindCancelled even when
// the error does not implement Kinded; unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindInternal
}

// Is reports whether err belongs to kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsCancelled reports whether err is a caller-initiated cancellation.
func IsCancelled(err error) bool {
	return Is(err, KindCancelled)
}
