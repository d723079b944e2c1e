package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
)

// statusCoded is satisfied by the gateway's error type without importing it.
type statusCoded interface {
	HTTPStatus() int
}

// Weight maps a dispatch failure onto its sliding-window error weight.
// Timeouts weigh 1.5: a hung upstream burns the caller's whole retry
// budget, while a fast 5xx at least fails cheaply. Rate limits count at
// half weight and client errors not at all.
func Weight(err error) float64 {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}
	var sc statusCoded
	if errors.As(err, &sc) {
		return statusWeight(sc.HTTPStatus())
	}
	var ne *net.OpError
	if errors.As(err, &ne) {
		return 1
	}
	// Unclassified failures are treated as the upstream's fault.
	return 1
}

func statusWeight(code int) float64 {
	switch {
	case code == http.StatusTooManyRequests:
		return 0.5
	case code == http.StatusGatewayTimeout:
		return 1.5
	case code >= 500:
		return 1
	default:
		return 0
	}
}
