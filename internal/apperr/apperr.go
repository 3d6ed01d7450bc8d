// Package apperr defines the closed set of error kinds the service returns
// to clients. Every failure that leaves the HTTP boundary is either an *Error
// or is treated as KindInternal.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for the boundary handler.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindBadRequest
	KindConflict
	KindUnauthorized
	KindNotFound
	KindTooManyRequests
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindBadRequest:
		return "BAD_REQUEST"
	case KindConflict:
		return "CONFLICT"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindTooManyRequests:
		return "TOO_MANY_REQUESTS"
	default:
		return "INTERNAL_ERROR"
	}
}

// Status maps the kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is an operational error with a client-safe message. Err holds the
// underlying cause for server-side logging and is never sent to clients in
// production.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error.
func (e *Error) Status() int { return e.Kind.Status() }

// Operational reports whether the error is an expected failure whose message
// may be shown to the client as-is.
func (e *Error) Operational() bool { return e.Kind != KindInternal }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *Error   { return New(KindValidation, message) }
func BadRequest(message string) *Error   { return New(KindBadRequest, message) }
func Conflict(message string) *Error     { return New(KindConflict, message) }
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func NotFound(message string) *Error     { return New(KindNotFound, message) }

func TooManyRequests(message string) *Error { return New(KindTooManyRequests, message) }

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return Wrap(KindInternal, "Internal Server Error", err)
}

// From converts any error into an *Error, treating unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	return From(err).Kind
}
