package handlers

import (
	"net/http"

	apperrors "github.com/transitworks/pipeboard/internal/errors"
)

// HTTPErrorResponder writes an error response for a handler-level failure.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, http.StatusInternalServerError,
		apperrors.CodeInternal, err.Error(), nil)
}

var httpErrorResponder HTTPErrorResponder = defaultHTTPErrorResponder

// SetHTTPErrorResponder overrides how handlers report unclassified errors.
// Passing nil restores the default responder.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = defaultHTTPErrorResponder
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultHTTPErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
