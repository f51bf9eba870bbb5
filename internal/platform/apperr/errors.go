// Package apperr defines the error taxonomy shared by services and handlers.
// Services return *Error values; the HTTP error handler maps them to status
// codes and hides the wrapped cause from clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDependency:
		return "dependency"
	default:
		return "internal"
	}
}

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Fields carries per-field validation messages.
	Fields map[string][]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the response status for the error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: "invalid", Message: fmt.Sprintf(format, args...)}
}

// ValidationFields reports one or more invalid input fields.
func ValidationFields(fields map[string][]string) *Error {
	return &Error{Kind: KindValidation, Code: "invalid", Message: "validation failed", Fields: fields}
}

func Authentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Code: "unauthenticated", Message: msg}
}

func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Code: "forbidden", Message: fmt.Sprintf(format, args...)}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: what + " not found"}
}

func Conflict(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Dependency(msg string, err error) *Error {
	return &Error{Kind: KindDependency, Code: "unavailable", Message: msg, Err: err}
}

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Wrap classifies err as internal unless it already is an *Error.
func Wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return Internal(msg, err)
}
