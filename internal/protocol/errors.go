// ABOUTME: Typed protocol errors carrying a boundary code and optional request id
// ABOUTME: Codes are the machine-readable values sent in error frames

package protocol

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

// Error codes sent to clients.
const (
	CodeInvalidNonce          Code = "invalid_nonce"
	CodeAuthFailed            Code = "auth_failed"
	CodeForbidden             Code = "forbidden"
	CodeInvalidConnect        Code = "invalid_connect"
	CodeInvalidRequest        Code = "invalid_request"
	CodeIdempotencyRequired   Code = "idempotency_required"
	CodeIdempotencyConflict   Code = "idempotency_conflict"
	CodeIdempotencyInProgress Code = "idempotency_in_progress"
	CodeProtocolMismatch      Code = "protocol_mismatch"
	CodeUnknownMethod         Code = "unknown_method"
	CodeCommandFailed         Code = "command_failed"
	CodeRateLimited           Code = "rate_limited"
	CodeUnavailable           Code = "unavailable"
	CodeInternal              Code = "internal_error"
)

// CloseCode is the WebSocket close status used after a fatal protocol
// error (policy violation).
const CloseCode = 1008

// Error is a protocol failure with a code, message and optional request id.
type Error struct {
	Code    Code
	Message string
	ID      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithID returns a copy of e correlated with request id.
func (e *Error) WithID(id string) *Error {
	c := *e
	c.ID = id
	return &c
}

// AsError returns err as an *Error. Errors that are not protocol errors
// become fallback with err's message.
func AsError(err error, fallback Code) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: fallback, Message: err.Error()}
}
