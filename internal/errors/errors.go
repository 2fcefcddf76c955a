// Package errors provides error handling for exastris.
//
// It re-exports github.com/cockroachdb/errors so call sites get stack traces,
// wrapping and user-facing hints from a single import, and defines the
// sentinel errors shared by the router, the fan-out engine and the handlers.
//
//	if err := store.Insert(ctx, doc); err != nil {
//	    return errors.MarkTransient(errors.Wrap(err, "failed to insert subscription"))
//	}
//
//	return errors.WithHint(errors.ErrNotFound, "I'm not following @alice")
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	UnwrapAll    = crdb.UnwrapAll
	GetAllHints  = crdb.GetAllHints
	FlattenHints = crdb.FlattenHints
)

// Sentinel errors. Wrap or mark them to add context while keeping errors.Is working.
var (
	// ErrValidation indicates malformed input (empty handle, bad regex, empty phrase).
	ErrValidation = New("validation failed")

	// ErrNotFound indicates an unknown source, unfollowed handle or missing destination.
	ErrNotFound = New("not found")

	// ErrTransient indicates a store or upstream failure.
	ErrTransient = New("transient failure")

	// ErrConflict indicates a duplicate registration or an already-active rule.
	ErrConflict = New("conflict")
)

// GenericFailure is the reply sent for failures that have no user-facing hint.
const GenericFailure = "Something went wrong, try again later."

// MarkTransient tags err as a transient failure.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTransient)
}

// Validationf returns a validation error carrying a user-facing hint.
func Validationf(format string, args ...interface{}) error {
	return WithHintf(WithStack(ErrValidation), format, args...)
}

// NotFoundf returns a not-found error carrying a user-facing hint.
func NotFoundf(format string, args ...interface{}) error {
	return WithHintf(WithStack(ErrNotFound), format, args...)
}

// Conflictf returns a conflict error carrying a user-facing hint.
func Conflictf(format string, args ...interface{}) error {
	return WithHintf(WithStack(ErrConflict), format, args...)
}

// IsTransient reports whether err is or wraps ErrTransient.
func IsTransient(err error) bool {
	return err != nil && Is(err, ErrTransient)
}

// UserMessage returns the text to show a chat user for err. Transient errors and
// errors without hints get GenericFailure.
func UserMessage(err error) string {
	if err == nil || IsTransient(err) {
		return GenericFailure
	}
	hints := GetAllHints(err)
	if len(hints) == 0 {
		return GenericFailure
	}
	return hints[len(hints)-1]
}
