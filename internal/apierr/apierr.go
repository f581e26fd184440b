// Package apierr defines the error taxonomy surfaced to tool callers.
// Every failure that crosses the dispatcher boundary is one of these
// kinds; anything unrecognized is wrapped as Internal.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a caller-visible failure.
type Kind string

const (
	Unauthorized        Kind = "Unauthorized"        // token missing or insufficient
	BadRequest          Kind = "BadRequest"          // argument validation failed
	NotFound            Kind = "NotFound"            // referenced entity does not exist
	Conflict            Kind = "Conflict"            // invariant would be violated
	DependencyNotMet    Kind = "DependencyNotMet"    // dependency not complete
	PhaseClosed         Kind = "PhaseClosed"         // write to a completed phase
	MigrationInProgress Kind = "MigrationInProgress" // transient; write path gated
	LockExhausted       Kind = "LockExhausted"       // store retries exhausted
	LockTimeout         Kind = "LockTimeout"         // migration lock not acquired
	MigrationFailed     Kind = "MigrationFailed"     // a migrator raised
	Internal            Kind = "Internal"            // unexpected failure
)

// Error carries a kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string

	// Wrapped is the underlying cause, if any.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// KindOf extracts the kind from err, returning Internal for anything
// that is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
