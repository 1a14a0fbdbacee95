package services

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of caller-recoverable failures of the check-in economy.
type ErrorKind int

const (
	KindConflict ErrorKind = iota + 1
	KindInvalidInput
	KindOutOfRange
	KindAlreadyExists
	KindInsufficientResource
	KindInsufficientFunds
	KindDisabled
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid_input"
	case KindOutOfRange:
		return "out_of_range"
	case KindAlreadyExists:
		return "already_exists"
	case KindInsufficientResource:
		return "insufficient_resource"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindDisabled:
		return "disabled"
	case KindNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error carries a kind plus a reason suitable for showing to the user.
// errors.Is matches any two errors of the same kind.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Is reports kind equality so specific reasons still match the per-kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Per-kind sentinels, use with errors.Is.
var (
	ErrConflict             = &Error{Kind: KindConflict, Reason: "already signed in today"}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput, Reason: "invalid input"}
	ErrOutOfRange           = &Error{Kind: KindOutOfRange, Reason: "date out of range"}
	ErrAlreadyExists        = &Error{Kind: KindAlreadyExists, Reason: "a sign-in record already exists for that date"}
	ErrInsufficientResource = &Error{Kind: KindInsufficientResource, Reason: "not enough makeup cards"}
	ErrInsufficientFunds    = &Error{Kind: KindInsufficientFunds, Reason: "not enough points"}
	ErrDisabled             = &Error{Kind: KindDisabled, Reason: "check-in is disabled"}
	ErrUserNotFound         = &Error{Kind: KindNotFound, Reason: "user not found"}
)

var (
	errDateRequired = newError(KindInvalidInput, "date is required")
	errDateFormat   = newError(KindInvalidInput, "invalid date format")
	errZeroDelta    = newError(KindInvalidInput, "adjustment delta cannot be zero")
	errFutureDate   = newError(KindOutOfRange, "cannot make up a future date")
)

func errBeforeInstall(install string) *Error {
	return newError(KindOutOfRange, "cannot make up dates before %s", install)
}

// KindOf extracts the kind of err, if it is one of ours.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
