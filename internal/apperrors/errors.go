// Package apperrors defines the typed error kinds shared across the control
// plane. Every public operation fails with one of these kinds so callers and
// the HTTP layer can react without string matching.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	// KindInvalidTransition is a state machine violation.
	KindInvalidTransition Kind = "invalid_transition"

	// KindConfig is an invalid step or component configuration.
	KindConfig Kind = "config_error"

	// KindNotFound is a missing row or unknown identifier.
	KindNotFound Kind = "not_found"

	// KindPreconditionFailed is an operation applied in the wrong state.
	KindPreconditionFailed Kind = "precondition_failed"

	// KindExternalUnavailable wraps a circuit-broken or unreachable service.
	KindExternalUnavailable Kind = "external_unavailable"

	// KindTimeout is an operation that exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindWorkerDisconnected is a remote encoder lost mid-operation.
	KindWorkerDisconnected Kind = "worker_disconnected"

	// KindDuplicateWork marks work coalesced onto an existing row.
	KindDuplicateWork Kind = "duplicate_work"

	// KindPathTranslation is a path with no matching namespace mapping.
	KindPathTranslation Kind = "path_translation_error"

	// KindIntegrity is an invariant violation. Never swallowed.
	KindIntegrity Kind = "integrity_error"
)

// Error is a typed error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a typed error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, or "" if untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether the error is a missing-row error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsRetryable reports whether a step may retry after this error.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindExternalUnavailable, KindTimeout, KindWorkerDisconnected:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindPreconditionFailed, KindDuplicateWork:
		return http.StatusConflict
	case KindConfig, KindPathTranslation:
		return http.StatusBadRequest
	case KindExternalUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
