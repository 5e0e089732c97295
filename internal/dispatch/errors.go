// ABOUTME: Typed dispatcher failures carrying a boundary error code
// ABOUTME: Maps domain and idempotency errors onto codes and HTTP statuses

package dispatch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/agent-gateway/internal/protocol"
)

// Error is a dispatcher failure.
type Error struct {
	Code    protocol.Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errorf(code protocol.Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// failed is a domain failure, validation or not found.
func failed(format string, args ...any) *Error {
	return errorf(protocol.CodeCommandFailed, format, args...)
}

// AsError returns err as an *Error, treating unknown errors as internal.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Code: protocol.CodeInternal, Message: err.Error()}
}

// HTTPStatus maps a dispatch code to an HTTP status.
func HTTPStatus(code protocol.Code) int {
	switch code {
	case protocol.CodeUnknownMethod:
		return http.StatusNotFound
	case protocol.CodeForbidden:
		return http.StatusForbidden
	case protocol.CodeAuthFailed:
		return http.StatusUnauthorized
	case protocol.CodeIdempotencyRequired, protocol.CodeInvalidRequest:
		return http.StatusBadRequest
	case protocol.CodeIdempotencyConflict, protocol.CodeIdempotencyInProgress:
		return http.StatusConflict
	case protocol.CodeCommandFailed:
		return http.StatusUnprocessableEntity
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	case protocol.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
