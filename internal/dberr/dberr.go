// Package dberr defines the error taxonomy surfaced by the storage engine.
//
// Every failure the engine reports carries one of the Kind values below so
// callers can branch on category with errors.Is, without parsing messages.
package dberr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of engine failure.
type Kind string

const (
	NoBackend              Kind = "NO_BACKEND"
	UnknownStore           Kind = "UNKNOWN_STORE"
	TransactionAlreadyClosed Kind = "TRANSACTION_ALREADY_CLOSED"
	TransactionAborted     Kind = "TRANSACTION_ABORTED"
	Closing                Kind = "CLOSING"
	BadKey                 Kind = "BAD_KEY"
	Conflict               Kind = "CONFLICT"
	IncompatibleSchema     Kind = "INCOMPATIBLE_SCHEMA"
	Backend                Kind = "BACKEND"
)

// Error is the concrete error type returned by the engine. Kind is always
// set; Cause is the wrapped underlying error, if any.
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

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, dberr.New(dberr.BadKey, "")) style comparisons work when
// callers only care about the kind. Prefer Is(err, kind) for that case.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error of the given kind with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) is a dberr.Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
