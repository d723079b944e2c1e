package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is the canonical, client-visible error taxonomy.
type ErrorCode string

const (
	CodeAuthMissing         ErrorCode = "auth.missing"
	CodeAuthInvalid         ErrorCode = "auth.invalid"
	CodePermissionDenied    ErrorCode = "permission.denied"
	CodeQuotaExceeded       ErrorCode = "quota.exceeded"
	CodeValidationInvalid   ErrorCode = "validation.invalid"
	CodeNotFound            ErrorCode = "resource.not_found"
	CodeNoCandidate         ErrorCode = "route.no_candidate"
	CodeUpstreamTimeout     ErrorCode = "upstream.timeout"
	CodeUpstreamUnavailable ErrorCode = "upstream.unavailable"
	CodeUpstreamRateLimited ErrorCode = "upstream.rate_limited"
	CodeUpstreamClientError ErrorCode = "upstream.client_error"
	CodeUpstreamServerError ErrorCode = "upstream.server_error"
	CodeCacheFailed         ErrorCode = "cache.miss_then_failed"
	CodeInternal            ErrorCode = "internal.unexpected"
)

// httpStatus maps canonical codes to HTTP status codes.
var httpStatus = map[ErrorCode]int{
	CodeAuthMissing:         http.StatusUnauthorized,
	CodeAuthInvalid:         http.StatusUnauthorized,
	CodePermissionDenied:    http.StatusForbidden,
	CodeQuotaExceeded:       http.StatusTooManyRequests,
	CodeValidationInvalid:   http.StatusBadRequest,
	CodeNotFound:            http.StatusNotFound,
	CodeNoCandidate:         http.StatusBadGateway,
	CodeUpstreamTimeout:     http.StatusGatewayTimeout,
	CodeUpstreamUnavailable: http.StatusBadGateway,
	CodeUpstreamRateLimited: http.StatusTooManyRequests,
	CodeUpstreamClientError: http.StatusBadRequest,
	CodeUpstreamServerError: http.StatusBadGateway,
	CodeCacheFailed:         http.StatusBadGateway,
	CodeInternal:            http.StatusInternalServerError,
}

// APIError is the canonical error surfaced to clients. It carries the
// taxonomy code, an HTTP status, and an optional retry hint. Details is
// free-form: a string for passthrough upstream bodies, a map for
// structured context like quota windows.
type APIError struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Details    any           `json:"details,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the HTTP status code for the error's taxonomy code.
func (e *APIError) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// E constructs an APIError with the given code and message.
func E(code ErrorCode, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsAPIError converts any error into an APIError, defaulting unknown
// errors to internal.unexpected so no raw error text leaks to clients.
func AsAPIError(err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}
	return &APIError{Code: CodeInternal, Message: "internal error"}
}

// Transient reports whether the error should trigger retry or fallback.
// Only upstream timeouts, 5xx, rate limits, and connectivity failures
// qualify; client-side and policy errors surface immediately.
func Transient(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Code {
	case CodeUpstreamTimeout, CodeUpstreamUnavailable, CodeUpstreamRateLimited, CodeUpstreamServerError:
		return true
	}
	return false
}

// Sentinel errors used across component boundaries.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrNotSupported  = errors.New("operation not supported by provider")
	ErrNoUpstreamKey = errors.New("no eligible upstream key")
	ErrKeyInFlight   = errors.New("key has in-flight requests")
)
