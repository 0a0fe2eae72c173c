package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/paybridge/internal/gateway"
	"github.com/markjakearzadon/paybridge/internal/models"
	"github.com/markjakearzadon/paybridge/internal/store"
)

// CallbackResult tells the handler what happened to one notification.
type CallbackResult struct {
	CallbackID    string
	TransactionID string
	Status        models.Status
	Applied       bool
	Orphaned      bool
}

// CallbackService reconciles provider notifications with stored
// transactions. Every notification is logged before it is interpreted.
type CallbackService struct {
	store    store.Store
	gateways *gateway.Registry
	machine  *StateMachine
	newID    func() string
	now      func() time.Time
}

func NewCallbackService(st store.Store, gateways *gateway.Registry, machine *StateMachine) *CallbackService {
	return &CallbackService{
		store:    st,
		gateways: gateways,
		machine:  machine,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle records body, authenticates and parses it, and applies the mapped
// status to the matching transaction. A notification for an unknown
// transaction is kept as orphaned and is not an error.
func (s *CallbackService) Handle(ctx context.Context, method models.PaymentMethod, body []byte, header http.Header) (*CallbackResult, error) {
	rec := &models.CallbackRecord{
		ID:         s.newID(),
		Provider:   method,
		RawPayload: string(body),
		CreatedAt:  s.now(),
	}
	if err := s.store.RecordCallback(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record callback: %w", err)
	}
	result := &CallbackResult{CallbackID: rec.ID}
	logger := log.With().Str("callback_id", rec.ID).Str("provider", string(method)).Logger()

	gw, err := s.gateways.Get(method)
	if err != nil {
		s.complete(ctx, rec.ID, failedOutcome(err, "", ""))
		return result, err
	}

	ev, err := gw.ParseWebhook(ctx, body, header)
	if err != nil {
		if errors.Is(err, models.ErrAuthenticity) {
			logger.Warn().Err(err).Msg("SECURITY: rejected callback with invalid signature")
		} else {
			logger.Error().Err(err).Msg("Failed to parse callback")
		}
		s.complete(ctx, rec.ID, failedOutcome(err, "", ""))
		return result, err
	}
	logger = logger.With().Str("correlation_id", ev.CorrelationID).Logger()

	tx, err := s.store.FindByCorrelation(ctx, method, ev.CorrelationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			logger.Warn().Msg("Callback for unknown transaction")
			s.complete(ctx, rec.ID, models.CallbackOutcome{CorrelationID: ev.CorrelationID, Orphaned: true})
			result.Orphaned = true
			return result, nil
		}
		logger.Error().Err(err).Msg("Failed to look up transaction for callback")
		s.complete(ctx, rec.ID, failedOutcome(err, ev.CorrelationID, ""))
		return result, fmt.Errorf("failed to find transaction: %w", err)
	}
	result.TransactionID = tx.ID

	updated, applied, err := s.machine.Apply(ctx, tx.ID, models.StatusUpdate{
		Status:            ev.Status,
		FailureReason:     ev.FailureReason,
		ProviderReference: ev.ProviderReference,
		Source:            "callback:" + string(method),
	})
	if err != nil {
		logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to apply callback status")
		s.complete(ctx, rec.ID, failedOutcome(err, ev.CorrelationID, tx.ID))
		return result, fmt.Errorf("failed to apply callback: %w", err)
	}

	result.Status = updated.Status
	result.Applied = applied
	s.complete(ctx, rec.ID, models.CallbackOutcome{
		CorrelationID: ev.CorrelationID,
		TransactionID: tx.ID,
		Success:       true,
	})
	logger.Info().
		Str("transaction_id", tx.ID).
		Str("status", string(updated.Status)).
		Str("result_code", ev.ResultCode).
		Bool("applied", applied).
		Msg("Callback processed")
	return result, nil
}

// complete runs even when the request context is gone so the outcome of a
// recorded callback is never lost.
func (s *CallbackService) complete(ctx context.Context, id string, outcome models.CallbackOutcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.CompleteCallback(ctx, id, outcome); err != nil {
		log.Error().Err(err).Str("callback_id", id).Msg("Failed to store callback outcome")
	}
}

func failedOutcome(err error, correlationID, transactionID string) models.CallbackOutcome {
	kind := models.KindOf(err)
	if kind == "" {
		kind = "internal_error"
	}
	return models.CallbackOutcome{
		CorrelationID: correlationID,
		TransactionID: transactionID,
		ErrorKind:     kind,
		ErrorMessage:  models.Reason(err),
	}
}
