// Package memerr defines the error taxonomy shared by all Muninn components.
//
// Every error that crosses a package boundary is classified into a Kind so that
// callers (and the CLI exit-code mapping) can react without string matching:
//
//	Validation          invalid input shape, size, or pattern - never retried
//	NotFound            id absent, or soft-deleted when not allowed
//	Conflict            unique-constraint race; write paths retry once
//	ServiceUnavailable  provider down or circuit breaker open
//	ResourceUnavailable pool exhausted or deadline exceeded
//	Config              configuration cannot be loaded or validated
//	Internal            invariant violation, bug
//
// Errors wrap an optional cause and interoperate with errors.Is / errors.As.
//
// Example:
//
//	if content == "" {
//		return 0, memerr.E(memerr.Validation, "content must not be empty", nil)
//	}
//
//	if memerr.IsKind(err, memerr.NotFound) {
//		// 404-equivalent handling
//	}
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	// Internal is the zero value: invariant violations and bugs.
	Internal Kind = iota
	// Validation marks invalid input. Never retried.
	Validation
	// NotFound marks an absent or soft-deleted entity.
	NotFound
	// Conflict marks a unique-constraint violation during a race.
	Conflict
	// ServiceUnavailable marks a down provider or an open circuit breaker.
	ServiceUnavailable
	// ResourceUnavailable marks pool exhaustion or an exceeded deadline.
	ResourceUnavailable
	// Config marks configuration load/validation failures.
	Config
)

// String returns the lowercase taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case ServiceUnavailable:
		return "service_unavailable"
	case ResourceUnavailable:
		return "resource_unavailable"
	case Config:
		return "config"
	default:
		return "internal"
	}
}

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// E builds a classified error. cause may be nil.
func E(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Ef builds a classified error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so sentinel-style comparisons work:
//
//	errors.Is(err, memerr.E(memerr.NotFound, "", nil))
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err (anywhere in its chain) carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Retryable reports whether the taxonomy allows retrying err.
// Only transient infrastructure failures qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ServiceUnavailable, Internal:
		return true
	default:
		return false
	}
}

// ExitCode maps an error to the CLI exit code contract:
// 0 success, 1 generic, 2 validation, 3 not found, 4 service unavailable,
// 5 configuration error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case Validation:
		return 2
	case NotFound:
		return 3
	case ServiceUnavailable, ResourceUnavailable:
		return 4
	case Config:
		return 5
	default:
		return 1
	}
}
