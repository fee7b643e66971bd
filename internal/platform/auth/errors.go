package auth

import "errors"

// ErrUnauthenticated marks any token failure: missing bearer header,
// malformed JWT, unknown issuer, disallowed algorithm, bad signature, or
// expired token. The gateway translates it to HTTP 401. Failure details are
// logged server-side and never echoed to the client.
var ErrUnauthenticated = errors.New("authentication failed")

func unauthenticatedError(msg string) error {
	return &wrappedAuthError{msg: msg}
}

type wrappedAuthError struct {
	msg string
}

func (e *wrappedAuthError) Error() string { return e.msg }

func (e *wrappedAuthError) Unwrap() error { return ErrUnauthenticated }

// ErrInvalidScope marks a SMART scope token that matches the clinical scope
// grammar but carries an invalid permission suffix.
var ErrInvalidScope = errors.New("invalid SMART scope")
