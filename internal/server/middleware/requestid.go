package middleware

import (
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/transitworks/pipeboard/internal/errors"
)

const requestIDHeader = "X-Request-ID"

// RequestID attaches a request id to the context and response headers,
// honoring an inbound X-Request-ID when the client supplies one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		w.Header().Set(requestIDHeader, id)
		ctx := apperrors.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
