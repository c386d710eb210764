package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures across every public boundary of the daemon.
// Kinds are stable strings; they appear verbatim in API error bodies and in
// job failure messages.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation_error"
	KindNotFound        ErrorKind = "not_found"
	KindConflict        ErrorKind = "conflict"
	KindUnauthorized    ErrorKind = "unauthorized"
	KindForbidden       ErrorKind = "forbidden"
	KindPayloadTooLarge ErrorKind = "payload_too_large"
	KindRateLimited     ErrorKind = "rate_limited"
	KindPluginError     ErrorKind = "plugin_error"
	KindTranscodeError  ErrorKind = "transcode_error"
	KindStorageError    ErrorKind = "storage_error"
	KindUnavailable     ErrorKind = "service_unavailable"
	KindInternal        ErrorKind = "internal_error"
)

// HTTPStatus maps an error kind to its HTTP status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure: a kind from the taxonomy plus a human
// message, optionally wrapping a cause. Failures are returned as values;
// nothing in the daemon panics across a package boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds a classified error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a classified error around a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Validationf builds a validation_error.
func Validationf(format string, args ...any) *Error {
	return NewError(KindValidation, format, args...)
}

// NotFoundf builds a not_found error.
func NotFoundf(format string, args ...any) *Error {
	return NewError(KindNotFound, format, args...)
}

// Conflictf builds a conflict error.
func Conflictf(format string, args ...any) *Error {
	return NewError(KindConflict, format, args...)
}

// Forbiddenf builds a forbidden error.
func Forbiddenf(format string, args ...any) *Error {
	return NewError(KindForbidden, format, args...)
}

// PluginErrorf builds a plugin_error.
func PluginErrorf(format string, args ...any) *Error {
	return NewError(KindPluginError, format, args...)
}

// TranscodeErrorf builds a transcode_error.
func TranscodeErrorf(format string, args ...any) *Error {
	return NewError(KindTranscodeError, format, args...)
}

// StorageErrorf builds a storage_error.
func StorageErrorf(format string, args ...any) *Error {
	return NewError(KindStorageError, format, args...)
}

// Unavailablef builds a service_unavailable error.
func Unavailablef(format string, args ...any) *Error {
	return NewError(KindUnavailable, format, args...)
}

// Internalf builds an internal_error.
func Internalf(format string, args ...any) *Error {
	return NewError(KindInternal, format, args...)
}

// KindOf extracts the kind from an error chain, defaulting to
// internal_error for unclassified failures. A nil error has no kind and
// returns the empty string.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf extracts the human message from a classified error, falling back
// to the plain error string.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.cause)
		}
		return e.Message
	}
	return err.Error()
}
