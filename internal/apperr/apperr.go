// Package apperr holds the error taxonomy shared by the conversation engine.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindAuthorization       Kind = "authorization"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindUpstreamGeneration  Kind = "upstream_generation"
	KindPersistence         Kind = "persistence"
	KindConflict            Kind = "conflict"
)

// Error is a classified error. Msg is safe to show to callers; Err is the cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may resend the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindUpstreamGeneration || e.Kind == KindConflict
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Authorization(format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func Upstream(err error, msg string) error {
	return &Error{Kind: KindUpstreamGeneration, Msg: msg, Err: err}
}

func Persistence(err error, msg string) error {
	return &Error{Kind: KindPersistence, Msg: msg, Err: err}
}

// InsufficientBalance is an expected outcome of admission control, not a fault.
// It carries what a caller needs to offer a top-up.
type InsufficientBalance struct {
	UserID   uint64
	Current  int64
	Required int64
}

func (e *InsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance: current=%d required=%d", e.Current, e.Required)
}

// Shortfall is the amount the user would need to top up to cover Required.
func (e *InsufficientBalance) Shortfall() int64 {
	if e.Current >= e.Required {
		return 0
	}
	return e.Required - e.Current
}

// KindOf classifies err. Unclassified errors are reported as persistence failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ib *InsufficientBalance
	if errors.As(err, &ib) {
		return KindInsufficientBalance
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}

func Is(err error, k Kind) bool { return err != nil && KindOf(err) == k }
