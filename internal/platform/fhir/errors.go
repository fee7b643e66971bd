package fhir

import "errors"

// ErrProtocolInvalid marks a malformed FHIR request: a non-transaction
// Bundle, an entry without a request component, a chained or join search
// parameter, an id that fails FHIR id syntax, or an unparseable patch.
// The gateway translates it to HTTP 400 and never retries.
var ErrProtocolInvalid = errors.New("invalid FHIR request")

// protocolError wraps a descriptive message so that errors.Is matches
// ErrProtocolInvalid while the log line keeps the detail.
func protocolError(msg string) error {
	return &wrappedProtocolError{msg: msg}
}

type wrappedProtocolError struct {
	msg string
}

func (e *wrappedProtocolError) Error() string { return e.msg }

func (e *wrappedProtocolError) Unwrap() error { return ErrProtocolInvalid }
