package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/paybridge/internal/models"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Success     bool                `json:"success"`
	Error       string              `json:"error"`
	Kind        models.ErrorKind    `json:"kind"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindAuthenticity:
		return http.StatusUnauthorized
	case models.KindRetryable:
		return http.StatusServiceUnavailable
	case models.KindPermanent:
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status code. Internal errors are logged and not
// echoed to the caller.
func writeError(w http.ResponseWriter, err error, tx *models.Transaction) {
	kind := models.KindOf(err)
	resp := errorResponse{Error: models.Reason(err), Kind: kind, Transaction: tx}
	if kind == "" {
		log.Error().Err(err).Msg("Request failed")
		resp.Error = "internal server error"
		resp.Kind = "internal_error"
	}
	writeJSON(w, statusFor(kind), resp)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, models.NewValidationError("request body too large")
		}
		return nil, models.NewValidationError("failed to read request body")
	}
	return body, nil
}
