package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// openAIError is the synthesized error envelope returned when the proxy
// cannot forward an upstream response.
type openAIError struct {
	Error openAIErrorBody `json:"error"`
}

type openAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// writeOpenAIError writes an OpenAI-compatible JSON error response.
func writeOpenAIError(w http.ResponseWriter, status int, message, errType, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(openAIError{
		Error: openAIErrorBody{Message: message, Type: errType, Code: code},
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeOpenAIError(w, http.StatusBadRequest, message, "invalid_request_error", "bad_request")
}

func writeUnauthenticated(w http.ResponseWriter) {
	writeOpenAIError(w, http.StatusUnauthorized,
		"missing credentials: pass an API key via 'Authorization: Bearer sk-...'",
		"invalid_request_error", "unauthenticated")
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeOpenAIError(w, http.StatusForbidden, message, "invalid_request_error", "forbidden")
}

func writeNotFound(w http.ResponseWriter, alias string) {
	writeOpenAIError(w, http.StatusNotFound,
		fmt.Sprintf("the model %q does not exist or you do not have access to it", alias),
		"invalid_request_error", "model_not_found")
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	writeOpenAIError(w, http.StatusTooManyRequests,
		"rate limit exceeded, please retry later", "rate_limit_error", "rate_limited")
}

func writeBadGateway(w http.ResponseWriter, message string) {
	writeOpenAIError(w, http.StatusBadGateway, message, "server_error", "upstream_unavailable")
}

func writeGatewayTimeout(w http.ResponseWriter) {
	writeOpenAIError(w, http.StatusGatewayTimeout,
		"upstream request timed out", "server_error", "upstream_timeout")
}
