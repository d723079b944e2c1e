package provider

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
)

// ParseAPIError reads up to 4KB from an upstream error response and maps it
// onto the canonical taxonomy. The raw body lands in Details so operators
// can see the upstream message; clients only see the canonical code.
func ParseAPIError(family string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	ae := &gateway.APIError{
		Code:    codeForStatus(resp.StatusCode),
		Message: fmt.Sprintf("%s returned HTTP %d", family, resp.StatusCode),
		Details: string(body),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		ae.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return ae
}

// codeForStatus maps an upstream HTTP status to a canonical error code.
func codeForStatus(status int) gateway.ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return gateway.CodeUpstreamRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return gateway.CodeUpstreamTimeout
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return gateway.CodeUpstreamUnavailable
	case status >= 500:
		return gateway.CodeUpstreamServerError
	default:
		return gateway.CodeUpstreamClientError
	}
}

// parseRetryAfter handles the delta-seconds form of the Retry-After header.
// The HTTP-date form is rare on provider APIs and is ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
