package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/paybridge/internal/currency"
	"github.com/markjakearzadon/paybridge/internal/models"
	"github.com/markjakearzadon/paybridge/internal/services"
)

type PaymentHandler struct {
	payments  *services.PaymentService
	status    *services.StatusService
	converter *currency.Converter
}

func NewPaymentHandler(payments *services.PaymentService, status *services.StatusService, converter *currency.Converter) *PaymentHandler {
	return &PaymentHandler{payments: payments, status: status, converter: converter}
}

type paymentView struct {
	*models.Transaction
	FormattedAmount string `json:"formatted_amount"`
	CanRetry        bool   `json:"can_retry"`
}

type paymentResponse struct {
	Success     bool        `json:"success"`
	Transaction paymentView `json:"transaction"`
}

type syncResponse struct {
	Success     bool              `json:"success"`
	Transaction paymentView       `json:"transaction"`
	SyncLogs    []*models.SyncLog `json:"sync_logs"`
}

type paymentListResponse struct {
	Success  bool          `json:"success"`
	Count    int           `json:"count"`
	Payments []paymentView `json:"payments"`
}

func (h *PaymentHandler) view(tx *models.Transaction) paymentView {
	return paymentView{
		Transaction:     tx,
		FormattedAmount: h.converter.Format(tx.DisplayAmount, tx.DisplayCurrency),
		CanRetry:        h.payments.CanRetry(tx),
	}
}

func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req services.CreatePaymentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, models.NewValidationError("invalid request body"), nil)
		return
	}

	tx, err := h.payments.Initiate(r.Context(), req)
	if err != nil {
		log.Warn().Err(err).Str("user_id", req.UserID).Str("payment_method", req.Method).Msg("Payment request failed")
		writeError(w, err, tx)
		return
	}
	writeJSON(w, http.StatusCreated, paymentResponse{Success: true, Transaction: h.view(tx)})
}

// GetPayment refreshes the transaction from its provider before returning it.
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transactionID"]
	if id == "" {
		writeError(w, models.NewValidationError("transaction id is required"), nil)
		return
	}

	tx, err := h.status.Refresh(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{Success: true, Transaction: h.view(tx)})
}

func (h *PaymentHandler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transactionID"]
	if id == "" {
		writeError(w, models.NewValidationError("transaction id is required"), nil)
		return
	}

	tx, err := h.payments.Resubmit(r.Context(), id)
	if err != nil {
		writeError(w, err, tx)
		return
	}
	writeJSON(w, http.StatusCreated, paymentResponse{Success: true, Transaction: h.view(tx)})
}

// SyncPayment pushes a completed payment downstream again.
func (h *PaymentHandler) SyncPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transactionID"]
	if id == "" {
		writeError(w, models.NewValidationError("transaction id is required"), nil)
		return
	}

	tx, logs, err := h.payments.Resync(r.Context(), id)
	if err != nil {
		writeError(w, err, tx)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Success: true, Transaction: h.view(tx), SyncLogs: logs})
}

func (h *PaymentHandler) GetPaymentsByUserID(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	txs, err := h.payments.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	views := make([]paymentView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, h.view(tx))
	}
	writeJSON(w, http.StatusOK, paymentListResponse{Success: true, Count: len(views), Payments: views})
}
