// internal/apperr/apperr.go

// Package apperr defines the error taxonomy shared by every service and
// its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeAlreadyReturned Code = "ALREADY_RETURNED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeInvalid         Code = "INVALID"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeIntegrity       Code = "INTEGRITY"
	CodeInternal        Code = "INTERNAL"
)

// HTTPStatus returns the status code a response for c carries.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable, CodeAlreadyReturned, CodeInvalid:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error carrying a code, a client-safe message and
// optional structured details.
type Error struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

// Sentinels for errors.Is.
var (
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	ErrConflict        = &Error{Code: CodeConflict, Message: "conflict"}
	ErrUnavailable     = &Error{Code: CodeUnavailable, Message: "book is not available"}
	ErrAlreadyReturned = &Error{Code: CodeAlreadyReturned, Message: "checkout already returned"}
	ErrForbidden       = &Error{Code: CodeForbidden, Message: "not enough permissions"}
	ErrUnauthorized    = &Error{Code: CodeUnauthorized, Message: "could not validate credentials"}
	ErrInvalid         = &Error{Code: CodeInvalid, Message: "invalid request"}
	ErrRateLimited     = &Error{Code: CodeRateLimited, Message: "too many requests"}
	ErrIntegrity       = &Error{Code: CodeIntegrity, Message: "integrity violation"}
	ErrInternal        = &Error{Code: CodeInternal, Message: "internal server error"}
)

func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(format string, args ...any) *Error {
	return &Error{Code: CodeUnavailable, Message: fmt.Sprintf(format, args...)}
}

func AlreadyReturned(format string, args ...any) *Error {
	return &Error{Code: CodeAlreadyReturned, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) *Error {
	return &Error{Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}

// Integrity reports a violated storage invariant. The cause is kept for
// logging and never rendered to clients.
func Integrity(cause error, format string, args ...any) *Error {
	return &Error{Code: CodeIntegrity, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Wrap attaches cause to a new error with the given code.
func Wrap(cause error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// From extracts the *Error in err's chain. Anything else becomes an
// internal error wrapping err.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: ErrInternal.Message, cause: err}
}

// CodeOf returns the code of err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	return From(err).Code
}

// Public returns the representation safe to send to a client. Internal
// and integrity failures never expose their messages.
func (e *Error) Public() *Error {
	if e.Code == CodeInternal || e.Code == CodeIntegrity {
		return &Error{Code: e.Code, Message: ErrInternal.Message}
	}
	return &Error{Code: e.Code, Message: e.Message, Details: e.Details}
}
