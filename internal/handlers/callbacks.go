package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/paybridge/internal/models"
	"github.com/markjakearzadon/paybridge/internal/services"
)

// mpesaAck is the only body Daraja needs; anything else makes it redeliver.
var mpesaAck = map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"}

type CallbackHandler struct {
	service                 *services.CallbackService
	rejectInvalidSignatures bool
}

func NewCallbackHandler(service *services.CallbackService, rejectInvalidSignatures bool) *CallbackHandler {
	return &CallbackHandler{service: service, rejectInvalidSignatures: rejectInvalidSignatures}
}

// Mpesa always acknowledges. The outcome is kept in the callback log.
func (h *CallbackHandler) Mpesa(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		log.Warn().Err(err).Msg("Unreadable M-Pesa callback")
		writeJSON(w, http.StatusOK, mpesaAck)
		return
	}
	if _, err := h.service.Handle(r.Context(), models.MethodMpesa, body, r.Header); err != nil {
		log.Warn().Err(err).Msg("M-Pesa callback not applied")
	}
	writeJSON(w, http.StatusOK, mpesaAck)
}

// Flutterwave acknowledges unless the signature is bad and rejection is
// enabled, or an internal fault means the delivery should be retried.
func (h *CallbackHandler) Flutterwave(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	_, err = h.service.Handle(r.Context(), models.MethodFlutterwave, body, r.Header)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrAuthenticity):
		if h.rejectInvalidSignatures {
			writeError(w, err, nil)
			return
		}
	case models.KindOf(err) == "":
		writeError(w, err, nil)
		return
	default:
		log.Warn().Err(err).Msg("Flutterwave callback not applied")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Webhook received"})
}
