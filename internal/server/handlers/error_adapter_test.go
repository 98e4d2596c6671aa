package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/transitworks/pipeboard/internal/errors"
	"github.com/transitworks/pipeboard/pkg/jobstore"
)

func TestDefaultResponderWrapsStorageErrors(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()
	ResetHTTPErrorResponder()

	storageErr := &jobstore.StorageError{Op: "save", JobID: "job-1-abc", Err: errors.New("disk full")}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1-abc", nil)
	rec := httptest.NewRecorder()
	respondWithError(rec, req, storageErr)

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeInternal, body.Error.Code)
	assert.Contains(t, body.Error.Message, "job-1-abc")
	assert.Contains(t, body.Error.Message, "disk full")
}

func TestSetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	t.Run("custom responder takes over", func(t *testing.T) {
		var captured error
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		indexErr := errors.New("jobs index is not open")
		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil), indexErr)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, indexErr, captured)
	})

	t.Run("nil restores the default envelope", func(t *testing.T) {
		SetHTTPErrorResponder(nil)

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil), errors.New("boom"))

		require.Equal(t, http.StatusInternalServerError, rec.Code)

		var body apperrors.HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, apperrors.CodeInternal, body.Error.Code)
	})
}

func TestResetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusTeapot)
	})
	ResetHTTPErrorResponder()

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil), errors.New("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeInternal, body.Error.Code)
}
