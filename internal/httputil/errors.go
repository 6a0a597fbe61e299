package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/af-corp/gaianet-gateway/internal/types"
)

// APIError matches the OpenAI error response format.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
	// Retryable tells the caller the same request may succeed later.
	Retryable bool   `json:"retryable"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind types.Kind) int {
	switch kind {
	case types.KindInvalidRequest, types.KindPrivacyViolation:
		return http.StatusBadRequest
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindPolicyDenied:
		return http.StatusForbidden
	case types.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case types.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case types.KindAuthenticationFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorType returns the OpenAI-style error type for a kind.
func errorType(kind types.Kind) string {
	switch kind {
	case types.KindInvalidRequest:
		return "invalid_request_error"
	case types.KindRateLimited:
		return "rate_limit_error"
	case types.KindPrivacyViolation, types.KindPolicyDenied:
		return "content_filter_error"
	case types.KindUpstreamUnavailable, types.KindUpstreamTimeout, types.KindAuthenticationFailure:
		return "upstream_error"
	default:
		return "server_error"
	}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	w.Header().Set("X-Request-ID", requestID)
	WriteJSON(w, statusCode, APIError{
		Error: APIErrorBody{
			Message:   message,
			Type:      errType,
			Code:      code,
			RequestID: requestID,
		},
	})
}

// NewAPIError builds the error envelope for err, exposing only its public message.
func NewAPIError(requestID string, err error) APIError {
	kind := types.KindOf(err)
	return APIError{Error: APIErrorBody{
		Message:   types.PublicMessage(err),
		Type:      errorType(kind),
		Code:      string(kind),
		RequestID: requestID,
		Retryable: kind.Retryable(),
	}}
}

// WriteGateError writes err using its kind for status, type and code.
func WriteGateError(w http.ResponseWriter, requestID string, err error) {
	w.Header().Set("X-Request-ID", requestID)
	WriteJSON(w, StatusFor(types.KindOf(err)), NewAPIError(requestID, err))
}

func WriteAuthError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusUnauthorized, "authentication_error", "invalid_admin_token", message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", string(types.KindInvalidRequest), message)
}

func WriteNotFoundError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotFound, "invalid_request_error", "not_found", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", string(types.KindInternal), message)
}
