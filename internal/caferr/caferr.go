// Package caferr centralizes the error taxonomy of this module. Every
// outward-facing function returns *caferr.Error (or nil), never a bare
// string or a raw HTTP error, so a host application can switch on Kind
// without string-matching.
package caferr

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error kinds, not a type hierarchy — a direct
// translation of the kinds enumerated in the error taxonomy rather than one
// Go type per kind.
type Kind int

const (
	KindSuccess Kind = iota
	KindFailure

	// Authentication
	KindUsernameRequired
	KindPasswordRequired
	KindRefreshTokenRequired
	KindInfoIncorrect
	KindLegalAcceptanceRequired
	KindEmailVerificationRequired
	KindMFAOTPRequired
	KindMFAOTPIncorrect

	// Broadcast preconditions
	KindOldVersion
	KindNotSignedIn
	KindAlreadyBroadcasting

	// Runtime broadcast
	KindOutOfCapacity
	KindTakeover
	KindAspectTooNarrow
	KindAspectTooWide
	KindBroadcastFailed
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	case KindUsernameRequired:
		return "username-required"
	case KindPasswordRequired:
		return "password-required"
	case KindRefreshTokenRequired:
		return "refresh-token-required"
	case KindInfoIncorrect:
		return "info-incorrect"
	case KindLegalAcceptanceRequired:
		return "legal-acceptance-required"
	case KindEmailVerificationRequired:
		return "email-verification-required"
	case KindMFAOTPRequired:
		return "mfa-otp-required"
	case KindMFAOTPIncorrect:
		return "mfa-otp-incorrect"
	case KindOldVersion:
		return "old-version"
	case KindNotSignedIn:
		return "not-signed-in"
	case KindAlreadyBroadcasting:
		return "already-broadcasting"
	case KindOutOfCapacity:
		return "out-of-capacity"
	case KindTakeover:
		return "takeover"
	case KindAspectTooNarrow:
		return "aspect-too-narrow"
	case KindAspectTooWide:
		return "aspect-too-wide"
	case KindBroadcastFailed:
		return "broadcast-failed"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with an optional cause and an optional server-supplied
// display message (e.g. the account-info-incorrect message the sign-in
// endpoint returns for end-user display).
type Error struct {
	Kind           Kind
	DisplayMessage string
	Cause          error
}

func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func WithDisplay(kind Kind, displayMessage string) *Error {
	return &Error{Kind: kind, DisplayMessage: displayMessage}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.DisplayMessage != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.DisplayMessage)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a *caferr.Error with the same Kind, so
// callers can write errors.Is(err, caferr.New(caferr.KindTakeover)).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from err, defaulting to KindFailure for any error
// that isn't a *caferr.Error (e.g. a raw network error surfaced untyped).
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFailure
}
