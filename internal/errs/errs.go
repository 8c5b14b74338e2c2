// Package errs defines the error taxonomy shared by every core component.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the dispatcher and callers reason about
// retry/surface behavior.
type Kind string

const (
	// InvalidInput is never retried; it is always the caller's fault.
	InvalidInput Kind = "invalid_input"
	// NotFound means the referenced job, page, or file does not exist.
	NotFound Kind = "not_found"
	// Conflict is an optimistic-concurrency clash; retried internally a
	// bounded number of times before surfacing.
	Conflict Kind = "conflict"
	// Transient covers network errors, 5xx, 408, 429, and broker hiccups.
	// Retried with backoff inside the component that raised it.
	Transient Kind = "transient"
	// Fatal marks the owning page/job failed outright (corrupt input,
	// unsupported format, OOM).
	Fatal Kind = "fatal"
	// Cancelled is user- or supervisor-initiated.
	Cancelled Kind = "cancelled"
)

// Reason enumerates InvalidInput sub-causes for URL rejection (spec C1).
type Reason string

const (
	ReasonScheme      Reason = "scheme"
	ReasonLoopback    Reason = "loopback"
	ReasonPrivate     Reason = "private"
	ReasonMetadata    Reason = "metadata"
	ReasonCredentials Reason = "credentials"
	ReasonMalformed   Reason = "malformed"
)

// Error is the concrete error type returned by core components.
type Error struct {
	Kind   Kind
	Op     string // the operation that failed, e.g. "JobStore.Put"
	Reason Reason // optional, set for InvalidInput URL rejections
	Err    error  // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Reason != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with the given kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewInvalid constructs an InvalidInput error carrying a reason code.
func NewInvalid(op string, reason Reason, err error) *Error {
	return &Error{Kind: InvalidInput, Op: op, Reason: reason, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Fatal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Fatal
}
