package elevation

import (
	"errors"
	"fmt"
)

var ErrNoGrant = errors.New("no active elevation grant")

type AuthErrorKind string

const (
	InvalidCredentials AuthErrorKind = "invalid_credentials"
	TOTPRequired       AuthErrorKind = "totp_required"
	TOTPInvalid        AuthErrorKind = "totp_invalid"
	// Unavailable covers transport failures and 5xx responses.
	Unavailable AuthErrorKind = "unavailable"
)

// AuthError is returned by RequestGrant. All kinds except Unavailable are
// recoverable by prompting the user again.
type AuthError struct {
	Kind   AuthErrorKind
	Status int
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "break-glass " + msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an AuthError of the given kind.
func IsAuthError(err error, kind AuthErrorKind) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == kind
}
