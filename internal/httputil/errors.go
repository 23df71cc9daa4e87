package httputil

import (
	"encoding/json"
	"net/http"
)

// APIError matches the OpenAI error response format.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string  `json:"message"`
	Type      string  `json:"type"`
	Param     *string `json:"param"`
	Code      string  `json:"code"`
	RequestID string  `json:"request_id,omitempty"`
}

// ErrorTypeForStatus maps an HTTP status to the OpenAI error type.
func ErrorTypeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, code, message string) {
	WriteErrorParam(w, requestID, statusCode, code, message, "")
}

// WriteErrorParam is WriteError naming the offending request parameter.
func WriteErrorParam(w http.ResponseWriter, requestID string, statusCode int, code, message, param string) {
	body := APIErrorBody{
		Message:   message,
		Type:      ErrorTypeForStatus(statusCode),
		Code:      code,
		RequestID: requestID,
	}
	if param != "" {
		body.Param = &param
	}
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{Error: body})
}

func WriteAuthError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusUnauthorized, "invalid_api_key", message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_exceeded", message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request", message)
}

func WriteBodyTooLargeError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusRequestEntityTooLarge, "request_too_large", message)
}

func WriteModelNotFoundError(w http.ResponseWriter, requestID, message string) {
	WriteErrorParam(w, requestID, http.StatusNotFound, "model_not_found", message, "model")
}

func WriteUnknownURLError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotFound, "unknown_url", message)
}

func WriteMethodNotAllowedError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", message)
}

func WriteNotReadyError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusServiceUnavailable, "not_ready", message)
}

func WriteModelUnavailableError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusServiceUnavailable, "model_unavailable", message)
}

func WriteUpstreamError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadGateway, "upstream_error", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "internal_error", message)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
