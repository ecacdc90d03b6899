// Package apierr defines the closed error taxonomy shared by the request
// pipeline and business actions, and the classifier that maps any failure to
// the uniform client-facing envelope.
package apierr

import (
	"errors"
	"fmt"
)

// Kind tags an error with its position in the taxonomy. The kind is decided
// once at the error's construction site and carried unchanged to the
// classifier.
type Kind int

const (
	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = iota
	// KindBadRequest covers validation and malformed-auth failures.
	KindBadRequest
	// KindUnauthorized covers missing credentials on protected operations.
	KindUnauthorized
	// KindForbidden covers authenticated callers lacking privilege.
	KindForbidden
	// KindNotFound covers absent resources.
	KindNotFound
	// KindRequestTooLarge covers oversized payloads.
	KindRequestTooLarge
	// KindConfig marks server defects such as an unregistered query. Never a
	// client error.
	KindConfig
	// KindTransient marks connection and transport failures that are safe to
	// retry.
	KindTransient
)

// Error is the tagged error carried through the pipeline. The first Error
// recorded on a request wins and short-circuits the remaining phases.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New constructs a tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a tagged error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error without losing it for errors.Is/As chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the taxonomy kind from any error. Unclassified errors,
// including raw driver errors propagated by the query executor, report
// KindInternal.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindInternal
}
