package rpc

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindAuthExpired ErrorKind = "auth_expired"
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
	KindValidation  ErrorKind = "validation"
	KindServerFault ErrorKind = "server_fault"
)

// Retryable reports whether an idempotent read may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransport || k == KindServerFault
}

// Error is the typed error returned by every Client.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Family     string    `json:"family"`
	Function   string    `json:"function"`
	StatusCode int       `json:"statusCode,omitempty"`

	// Detail is the controller-provided message, verbatim.
	Detail string `json:"detail,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s.%s: %s", e.Family, e.Function, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed error for family.function.
func NewError(kind ErrorKind, family, function, detail string) *Error {
	return &Error{Kind: kind, Family: family, Function: function, Detail: detail}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsAuthExpired reports whether err is an auth_expired error.
func IsAuthExpired(err error) bool {
	return KindOf(err) == KindAuthExpired
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthExpired
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity,
		status == http.StatusForbidden, status == http.StatusMethodNotAllowed:
		return KindValidation
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return KindTransport
	case status >= 500:
		return KindServerFault
	default:
		return KindValidation
	}
}
