package domainerrors

import "errors"

// Code represents a domain error category independent of transport layer.
// These codes describe what went wrong in pipeline terms, not broker terms.
type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeInvalidInput Code = "invalid_input"
	CodeValidation   Code = "validation_failed"
	CodeInternal     Code = "internal_error"
	CodeTimeout      Code = "timeout"
	CodeUnavailable  Code = "unavailable"

	// Message pipeline codes. The dispatcher keys its ack/nack/dead-letter
	// policy off these three.
	CodeMalformedMessage Code = "malformed_message" // never retried, dead-lettered
	CodeStoreUnavailable Code = "store_unavailable" // transient, redelivered
	CodePublishFailed    Code = "publish_failed"    // transient, redelivered
)

// Error wraps domain or infrastructure failures with a stable code.
// It is transport-agnostic and can be used across verifier, store, and queue layers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Unwrap implements error unwrapping for error chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is enables errors.Is() to match errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new domain error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap creates a new domain error wrapping an existing error.
// If the wrapped error is already a domain error, the original code is preserved.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// WithCode wraps err under code unconditionally, even if err already
// carries a different domain code. Use it at layer boundaries where the
// outer classification must win (a validation failure inside a payload is
// still a malformed message to the dispatcher).
func WithCode(err error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode checks if an error is a domain error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the outermost domain code in err's chain, or CodeInternal
// when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
