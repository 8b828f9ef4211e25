// Package errs defines the tagged-union error taxonomy shared by Bridge,
// Doctor, Igor, and Frankenstein. Every recoverable-at-the-boundary failure
// in the cluster is represented as an *Error with a Kind, a context map, and
// an optional Cause, preserving the chain the way errors.Unwrap expects.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy shared across the cluster.
type Kind string

const (
	ValidationFailed    Kind = "validation_failed"
	BrowserNotLaunched  Kind = "browser_not_launched"
	BrowserLimitReached Kind = "browser_limit_reached"
	BrowserTimeout      Kind = "browser_timeout"
	ElementNotFound     Kind = "element_not_found"
	NavigationFailed    Kind = "navigation_failed"
	ToolCompileFailed   Kind = "tool_compile_failed"
	ToolInvokeFailed    Kind = "tool_invoke_failed"
	ToolTimeout         Kind = "tool_timeout"
	ToolNotFound        Kind = "tool_not_found"
	UnknownAction       Kind = "unknown_action"
	Undeliverable       Kind = "undeliverable"
	SlowConsumer        Kind = "slow_consumer"
	Overload            Kind = "overload"
	WorkerCrashed       Kind = "worker_crashed"
	Unexpected          Kind = "unexpected"
)

// Retryable reports whether a step that failed with this kind may be retried
// within its step budget. Timeouts and missing elements are often transient;
// the rest are treated as fatal to the step.
func (k Kind) Retryable() bool {
	return k == BrowserTimeout || k == ElementNotFound
}

// Error is the single error type used across the cluster. It carries a Kind,
// a free-form Context map for diagnostics, and an optional Cause so
// errors.Is/As chains survive wrapping.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// With attaches a context key/value pair and returns the same *Error for
// chaining at the call site.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 1)
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As against Cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// As extracts an *Error from an arbitrary error, converting non-Error values
// into an Unexpected-kind wrapper. Every process boundary in the cluster
// funnels panics and stray errors through this before counting and logging
// them.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Unexpected, Message: err.Error(), Cause: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	e := As(err)
	for e != nil {
		if e.Kind == kind {
			return true
		}
		var next *Error
		if !errors.As(e.Cause, &next) {
			break
		}
		e = next
	}
	return false
}
