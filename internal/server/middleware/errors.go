// Package middleware provides the HTTP middleware stack: request ids,
// panic recovery, and request logging, all emitting the shared JSON error
// envelope.
package middleware

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/transitworks/pipeboard/internal/errors"
)

// ErrorResponse mirrors the shared envelope for middleware-level errors.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts panics into a 500 with the standard envelope instead of
// tearing down the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				var msg string
				if err, ok := rec.(error); ok {
					msg = "panic: " + err.Error()
				} else {
					msg = fmt.Sprintf("panic: %v", rec)
				}

				writeErrorResponse(w,
					apperrors.CodeInternal, msg, nil,
					apperrors.RequestIDFromContext(r.Context()),
					http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for call-site readability.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// Logging emits one structured line per request.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.String("request_id", apperrors.RequestIDFromContext(r.Context())))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack forwards to the underlying writer so websocket upgrades work
// behind the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Flush forwards to the underlying writer when it supports streaming.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeErrorResponse(w http.ResponseWriter, code, message string, details map[string]any, requestID string, statusCode int) {
	resp := ErrorResponse{
		Error: apperrors.HTTPErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}
