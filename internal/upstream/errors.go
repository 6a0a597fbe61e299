package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/af-corp/gaianet-gateway/internal/types"
)

// Fixed caller-facing messages. Upstream bodies are never passed through.
const (
	msgUnavailable    = "service temporarily unavailable"
	msgModelMissing   = "model not available"
	msgBadRequest     = "invalid request format"
	msgAuthentication = "upstream authentication failed"
	msgTimeout        = "upstream request timed out"
	msgNotConfigured  = "upstream not configured"
	msgCircuitOpen    = "service temporarily unavailable, retry later"
	msgBadResponse    = "invalid response from upstream"
)

// StatusError carries the upstream status code for logging.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "upstream returned status " + http.StatusText(e.StatusCode)
}

// mapStatus converts a non-2xx upstream status to the error taxonomy.
func mapStatus(code int) *types.Error {
	cause := &StatusError{StatusCode: code}
	switch {
	case code == http.StatusBadRequest:
		return types.WrapError(types.KindInvalidRequest, cause, msgBadRequest)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.WrapError(types.KindAuthenticationFailure, cause, msgAuthentication)
	case code == http.StatusNotFound:
		return types.WrapError(types.KindUpstreamUnavailable, cause, msgModelMissing)
	default:
		return types.WrapError(types.KindUpstreamUnavailable, cause, msgUnavailable)
	}
}

// mapTransport converts a transport or context error to the taxonomy.
func mapTransport(err error) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.WrapError(types.KindUpstreamTimeout, err, msgTimeout)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return types.WrapError(types.KindUpstreamTimeout, err, msgTimeout)
	}
	return types.WrapError(types.KindUpstreamUnavailable, err, msgUnavailable)
}

// transient reports whether err should count against the circuit breaker.
func transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	switch types.KindOf(err) {
	case types.KindUpstreamTimeout, types.KindUpstreamUnavailable:
		return !errors.Is(err, context.Canceled)
	}
	return false
}
