// Package errors defines the JSON error envelope shared by every HTTP
// surface of pipeboard.
package errors

import (
	"context"
	"encoding/json"
	"net/http"
)

// Error codes used across the HTTP surface.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeInvalidState       = "INVALID_STATE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPErrorDetail is the inner error object of the envelope.
type HTTPErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the wire shape of every error the API returns.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

type requestIDKey struct{}

// WithRequestID stores a request id in the context for error envelopes.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RespondWithError writes the standard envelope with the given status.
// The request id is taken from the request context when present.
func RespondWithError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
	if r != nil {
		resp.Error.RequestID = RequestIDFromContext(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// NotFoundHandler is the router-level adapter for unmatched paths.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, r, http.StatusNotFound, CodeNotFound, "resource not found", nil)
}

// MethodNotAllowedHandler is the router-level adapter for bad methods.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", nil)
}
