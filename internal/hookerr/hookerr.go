// Package hookerr defines the dispatch core's error taxonomy: a small set
// of machine-readable kinds that every failure surface maps to, so callers
// across package boundaries can branch on Kind without a type switch over
// concrete error types.
package hookerr

import "fmt"

// Kind is a machine-readable error classification. It is never an internal
// stack trace and always safe to return to a caller.
type Kind string

const (
	BadRequest      Kind = "BadRequest"
	Unauthenticated Kind = "Unauthenticated"
	Unauthorized    Kind = "Unauthorized"
	NoWorker        Kind = "NoWorker"
	Overloaded      Kind = "Overloaded"
	Timeout         Kind = "Timeout"
	CircuitOpen     Kind = "CircuitOpen"
	WorkerError     Kind = "WorkerError"
	Internal        Kind = "Internal"
	Shutdown        Kind = "Shutdown"
)

// Transient reports whether a caller should retry (the dispatch endpoints
// fail closed for auth, transiently for these).
func (k Kind) Transient() bool {
	switch k {
	case NoWorker, Overloaded, Timeout, CircuitOpen, Shutdown:
		return true
	default:
		return false
	}
}

// Error carries a Kind plus a correlation id alongside the usual message.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Wrapped       error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an *Error with the given kind and message.
func New(kind Kind, correlationID, message string) *Error {
	return &Error{Kind: kind, Message: message, CorrelationID: correlationID}
}

// Wrap builds an *Error that also carries an underlying cause.
func Wrap(kind Kind, correlationID, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, CorrelationID: correlationID, Wrapped: cause}
}

// As extracts an *Error from err, returning nil, false if err is not (or
// does not wrap) one.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if he, ok := err.(*Error); ok {
		return he, true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return As(u.Unwrap())
	}
	return nil, false
}
