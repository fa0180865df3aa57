// Package apperror defines the typed errors shared by the domain packages and
// the HTTP response layer.
package apperror

import (
	"errors"
	"net/http"
)

// Kind classifies an error by how a caller is expected to react to it
type Kind string

const (
	// KindInput errors are rejected synchronously and are safe to retry after correction
	KindInput Kind = "input"
	// KindNotFound errors reference a resource that does not exist
	KindNotFound Kind = "not_found"
	// KindState errors signal a guard violation; re-fetch before retrying
	KindState Kind = "state"
	// KindAuthorization errors signal a missing capability; never retried automatically
	KindAuthorization Kind = "authorization"
	// KindInvariant errors indicate that money is not conserved somewhere upstream
	KindInvariant Kind = "invariant"
)

// Error is an application error with a stable machine-readable code
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Is matches errors by code so that a sentinel and its detailed copies compare equal
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus returns the status code the error maps to at the transport boundary
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// New creates a sentinel error
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WithMessage returns a copy of the error carrying a more specific message.
// The copy still satisfies errors.Is against the original.
func (e *Error) WithMessage(message string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: message, cause: e.cause}
}

// Wrap returns a copy of the error with cause attached
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, cause: cause}
}

// KindOf reports the kind of err, or the empty kind if err is not an *Error
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
