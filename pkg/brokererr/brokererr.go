// Package brokererr implements the broker's closed error taxonomy:
// bad_request, unauthorized, not_found, provisioning,
// transient_collaborator and fatal_internal. Every error surfaced to
// the admission front-end is one of these kinds; the front-end maps
// kinds to HTTP status codes at the boundary.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories.
type Kind string

const (
	KindBadRequest           Kind = "bad_request"
	KindUnauthorized         Kind = "unauthorized"
	KindNotFound             Kind = "not_found"
	KindProvisioning         Kind = "provisioning"
	KindTransientCollaborator Kind = "transient_collaborator"
	KindFatalInternal        Kind = "fatal_internal"
)

// Error wraps an underlying cause with its taxonomy Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// BadRequest builds a bad_request error.
func BadRequest(format string, args ...interface{}) *Error {
	return newf(KindBadRequest, format, args...)
}

// Unauthorized builds an unauthorized error.
func Unauthorized(format string, args ...interface{}) *Error {
	return newf(KindUnauthorized, format, args...)
}

// NotFound builds a not_found error.
func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

// Provisioning wraps err as a provisioning error.
func Provisioning(err error, format string, args ...interface{}) *Error {
	e := newf(KindProvisioning, format, args...)
	e.Err = err
	return e
}

// TransientCollaborator wraps err as a transient_collaborator error.
func TransientCollaborator(err error, format string, args ...interface{}) *Error {
	e := newf(KindTransientCollaborator, format, args...)
	e.Err = err
	return e
}

// FatalInternal wraps err as a fatal_internal error.
func FatalInternal(err error, format string, args ...interface{}) *Error {
	e := newf(KindFatalInternal, format, args...)
	e.Err = err
	return e
}

// As reports the Kind of err if it (or one it wraps) is a *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
