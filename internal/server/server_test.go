package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/transitworks/pipeboard/internal/errors"
	"github.com/transitworks/pipeboard/internal/server/handlers"
	"github.com/transitworks/pipeboard/internal/version"
)

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_UnknownRouteGetsEnvelope(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := doRequest(t, srv, http.MethodGet, "/api/discoveries")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_MethodNotAllowedGetsEnvelope(t *testing.T) {
	srvWithJobs, _ := newJobsServer(t)

	tests := []struct {
		name   string
		srv    *Server
		method string
		path   string
	}{
		{"post to version", New("127.0.0.1", 0), http.MethodPost, "/version"},
		{"delete on jobs collection", srvWithJobs, http.MethodDelete, "/api/jobs"},
		{"put on cancel", srvWithJobs, http.MethodPut, "/api/jobs/job-0-x/cancel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, tt.srv, tt.method, tt.path)
			require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
		})
	}
}

func TestServer_PortAndHandler(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"ephemeral port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
			assert.NotNil(t, srv.Handler())
		})
	}
}

func TestServer_OperationalRoutes(t *testing.T) {
	handlers.InitHealthManager("test")

	srv := New("127.0.0.1", 0)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup"} {
		t.Run(path, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodGet, path)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}

	t.Run("/version", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/version")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp handlers.VersionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, version.Version, resp.Version)
	})
}

func TestServer_JobRoutesAbsentWithoutAPI(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := doRequest(t, srv, http.MethodGet, "/api/jobs")

	// Without a jobs API wired in, the route is simply not registered.
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
