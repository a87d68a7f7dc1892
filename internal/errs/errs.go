// Package errs defines the error-kind taxonomy shared across the orchestrator core.
//
// Every component classifies failures into one of a small, closed set of
// kinds (spec §7) rather than inventing ad-hoc sentinel errors per package.
// Callers branch on Kind to decide whether to retry, surface to a client,
// or exit the process.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error classifications the core distinguishes.
type Kind string

const (
	Invalid         Kind = "Invalid"
	Duplicate       Kind = "Duplicate"
	NotFound        Kind = "NotFound"
	StaleTransition Kind = "StaleTransition"
	WorkerLost      Kind = "WorkerLost"
	Timeout         Kind = "Timeout"
	Transient       Kind = "Transient"
	Cancelled       Kind = "Cancelled"
	Fatal           Kind = "Fatal"
)

// Error is the core's structured error type: a kind, a human message, and
// an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind wrapping an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, defaulting to Fatal for errors
// that never went through this package (an unclassified failure is treated
// as non-retriable and surfaced loudly rather than silently retried).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}
