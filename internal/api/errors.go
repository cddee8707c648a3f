package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"

	kmerrors "github.com/mvetter/keymint/internal/errors"
)

type errorResponse struct {
	Error string `json:"error"`
}

// renderError maps the store error taxonomy onto HTTP statuses.
// Persistence details never reach the client.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, kmerrors.ErrInvalidInput):
		status = http.StatusBadRequest
		msg = err.Error()
	case errors.Is(err, kmerrors.ErrUnauthorized):
		status = http.StatusUnauthorized
		msg = "unauthorized"
	case errors.Is(err, kmerrors.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
		msg = err.Error()
	case errors.Is(err, kmerrors.ErrNotFound):
		status = http.StatusNotFound
		msg = "not found"
	case errors.Is(err, kmerrors.ErrNoStock):
		status = http.StatusConflict
		msg = "out of stock"
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}
