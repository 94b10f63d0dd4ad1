package service

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how callers should react to them.
type Kind int

const (
	// KindValidation: missing or malformed input; never retried.
	KindValidation Kind = iota + 1
	// KindAuthentication: bad client, credentials, grant or token.
	KindAuthentication
	// KindForbidden: authenticated but not allowed.
	KindForbidden
	// KindState: a business rule rejected the request.
	KindState
	// KindNotFound: the addressed resource does not exist.
	KindNotFound
	// KindTransient: the backing store failed; safe to retry later.
	KindTransient
)

// Error is the tagged result every service operation returns on failure.
// Code is stable and machine readable; Description is safe to show to the
// caller.  Two Errors match under errors.Is when their codes are equal, so
// a reworded description still matches its sentinel.
type Error struct {
	Code        string
	Description string
	Kind        Kind
	cause       error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Unwrap exposes the underlying cause of transient errors for logging.
func (e *Error) Unwrap() error { return e.cause }

// Is matches on Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e carrying a more specific description.
func (e *Error) With(format string, args ...any) *Error {
	cp := *e
	cp.Description = fmt.Sprintf(format, args...)
	return &cp
}

func newError(kind Kind, code, desc string) *Error {
	return &Error{Code: code, Description: desc, Kind: kind}
}

var (
	ErrInvalidRequest       = newError(KindValidation, "invalid_request", "the request is missing a parameter or is malformed")
	ErrInvalidScope         = newError(KindValidation, "invalid_scope", "none of the requested scopes are allowed for this client")
	ErrUnsupportedGrantType = newError(KindValidation, "unsupported_grant_type", "only authorization_code is supported")
	ErrInvalidHwidFormat    = newError(KindValidation, "invalid_hwid_format", "hwid attributes must be 64 hex characters")

	ErrInvalidClient      = newError(KindAuthentication, "invalid_client", "client authentication failed")
	ErrInvalidGrant       = newError(KindAuthentication, "invalid_grant", "the authorization code is invalid, expired or already used")
	ErrInvalidCredentials = newError(KindAuthentication, "invalid_credentials", "username or password is incorrect")
	ErrInvalidToken       = newError(KindAuthentication, "invalid_token", "the token is invalid, expired or revoked")
	ErrInvalidLinkCode    = newError(KindAuthentication, "invalid_link_code", "the link code is invalid or expired")

	ErrInsufficientScope = newError(KindForbidden, "insufficient_scope", "the access token does not grant this operation")

	ErrMaxSessionsReached      = newError(KindState, "max_sessions_reached", "the license has reached its concurrent session limit")
	ErrLicenseExpired          = newError(KindState, "license_expired", "the license has expired")
	ErrLicensePaused           = newError(KindState, "license_paused", "the license is paused")
	ErrLicenseNotActivated     = newError(KindState, "license_not_activated", "the license has not been activated")
	ErrLicenseAlreadyActivated = newError(KindState, "license_already_activated", "the license is already activated")
	ErrUsernameTaken           = newError(KindState, "username_taken", "the username is already in use")
	ErrInvalidHwid             = newError(KindState, "invalid_hwid", "this device does not match the license's hardware id; reset your HWID through support")
	ErrHwidInUse               = newError(KindState, "hwid_in_use", "this device is already bound to another license")
	ErrSessionInactive         = newError(KindState, "session_inactive", "the session is no longer active; log in again")

	ErrLicenseNotFound = newError(KindNotFound, "license_not_found", "no such license")
	ErrSessionNotFound = newError(KindNotFound, "session_not_found", "no such session")

	ErrUnavailable = newError(KindTransient, "temporarily_unavailable", "the service is temporarily unavailable, retry later")
)

// unavailable wraps a storage or infrastructure failure.  The cause is kept
// for logs only; Error() never includes it.
func unavailable(cause error) *Error {
	cp := *ErrUnavailable
	cp.cause = cause
	return &cp
}

// resultLabel turns an operation result into a metrics label.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "error"
}
