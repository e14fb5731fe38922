// Package errors defines the error kinds reported by chatdrive's storage core.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the machine-readable class of an Error.
type Kind string

const (
	KindInvalidIdentity      Kind = "InvalidIdentity"
	KindInvalidCode          Kind = "InvalidCode"
	KindInvalidPassword      Kind = "InvalidPassword"
	KindPasswordRequired     Kind = "PasswordRequired"
	KindTransportUnavailable Kind = "TransportUnavailable"
	KindBlockUnavailable     Kind = "BlockUnavailable"
	KindUploadFailed         Kind = "UploadFailed"
	KindCopyFailed           Kind = "CopyFailed"
	KindNotAuthenticated     Kind = "NotAuthenticated"
	KindInvalidState         Kind = "InvalidState"
)

// Error is a classified failure from the session or blob layer. Ordinal is
// the 1-based chunk position for block-level failures and zero otherwise.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Message is a human-readable description.
	Message string
	// Ordinal is the 1-based position in the manifest the failure applies to.
	Ordinal int
	// Ref is the remote block reference involved, if any.
	Ref int64
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Ordinal > 0 {
		fmt.Fprintf(&b, " (part %d", e.Ordinal)
		if e.Ref != 0 {
			fmt.Fprintf(&b, ", block %d", e.Ref)
		}
		b.WriteString(")")
	} else if e.Ref != 0 {
		fmt.Fprintf(&b, " (block %d)", e.Ref)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. Ordinal, Ref and
// the cause are ignored so callers can match against the predeclared values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// At returns a copy of e carrying the given 1-based ordinal.
func (e *Error) At(ordinal int) *Error {
	cp := *e
	cp.Ordinal = ordinal
	return &cp
}

// ForRef returns a copy of e carrying the given block reference.
func (e *Error) ForRef(ref int64) *Error {
	cp := *e
	cp.Ref = ref
	return &cp
}

// Wrap returns a copy of e with err as its cause.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// OrdinalOf returns the ordinal of the first *Error in err's chain, or 0.
func OrdinalOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Ordinal
	}
	return 0
}

// Predeclared errors for each kind.
var (
	// ErrInvalidIdentity is returned when the transport rejects the login identity.
	ErrInvalidIdentity = &Error{
		Kind:    KindInvalidIdentity,
		Message: "the identity was rejected by the transport",
	}

	// ErrInvalidCode is returned when the one-time code is wrong or expired.
	ErrInvalidCode = &Error{
		Kind:    KindInvalidCode,
		Message: "the verification code is invalid or expired",
	}

	// ErrInvalidPassword is returned when the second-factor password is wrong.
	ErrInvalidPassword = &Error{
		Kind:    KindInvalidPassword,
		Message: "the second-factor password is invalid",
	}

	// ErrPasswordRequired is returned by SubmitCode when the account needs a
	// second-factor password and none was supplied.
	ErrPasswordRequired = &Error{
		Kind:    KindPasswordRequired,
		Message: "the account requires a second-factor password",
	}

	// ErrTransportUnavailable is returned when connecting or reconnecting fails.
	ErrTransportUnavailable = &Error{
		Kind:    KindTransportUnavailable,
		Message: "the transport is unavailable",
	}

	// ErrBlockUnavailable is returned when a referenced block is missing or has no media.
	ErrBlockUnavailable = &Error{
		Kind:    KindBlockUnavailable,
		Message: "the stored block is missing or empty",
	}

	// ErrUploadFailed is returned when storing a chunk fails.
	ErrUploadFailed = &Error{
		Kind:    KindUploadFailed,
		Message: "storing a chunk failed",
	}

	// ErrCopyFailed is returned when duplicating a block fails.
	ErrCopyFailed = &Error{
		Kind:    KindCopyFailed,
		Message: "duplicating a block failed",
	}

	// ErrNotAuthenticated is returned when an operation needs an authenticated session.
	ErrNotAuthenticated = &Error{
		Kind:    KindNotAuthenticated,
		Message: "the session is not authenticated",
	}

	// ErrInvalidState is returned when a login step is attempted out of order.
	ErrInvalidState = &Error{
		Kind:    KindInvalidState,
		Message: "the operation is not valid in the current session state",
	}
)
