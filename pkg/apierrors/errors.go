// Package apierrors defines the stable error taxonomy surfaced across
// component boundaries and mapped to HTTP status codes at the edge.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the router's well-known failure modes. Kinds are
// stable and independent of any particular component's internal error
// representation.
type Kind string

const (
	UnknownModel           Kind = "UnknownModel"
	WrongClass             Kind = "WrongClass"
	UnknownOption          Kind = "UnknownOption"
	ConflictingDescriptor  Kind = "ConflictingDescriptor"
	LoadFailed             Kind = "LoadFailed"
	NoFreePort             Kind = "NoFreePort"
	Timeout                Kind = "Timeout"
	BackendGone            Kind = "BackendGone"
	NotSupported           Kind = "NotSupported"
	Internal               Kind = "Internal"
)

// statusByKind maps each Kind to the HTTP status the frontend must answer
// with. Kept as a package-level table rather than a method on Kind so that
// an unrecognized Kind (which cannot happen for values constructed via New)
// falls through to a single lookup failure path.
var statusByKind = map[Kind]int{
	UnknownModel:          http.StatusNotFound,
	WrongClass:            http.StatusBadRequest,
	UnknownOption:         http.StatusBadRequest,
	ConflictingDescriptor: http.StatusConflict,
	LoadFailed:            http.StatusServiceUnavailable,
	NoFreePort:            http.StatusServiceUnavailable,
	Timeout:               http.StatusGatewayTimeout,
	BackendGone:           http.StatusBadGateway,
	NotSupported:          http.StatusNotImplemented,
	Internal:              http.StatusInternalServerError,
}

// Error is the typed error returned across package boundaries whenever a
// failure corresponds to one of the documented Kinds.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New constructs an Error of the given kind with a human-readable message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that also carries an
// underlying cause, preserved for errors.Is/errors.As and log detail.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
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

// Status returns the HTTP status code this error's Kind maps to.
func (e *Error) Status() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// StatusFor returns the HTTP status for err, unwrapping to find an *Error if
// necessary and falling back to 500 for anything untyped.
func StatusFor(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status()
	}
	return http.StatusInternalServerError
}

// KindFor returns the Kind of err, or Internal if err is not (or does not
// wrap) an *Error.
func KindFor(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return Internal
}
