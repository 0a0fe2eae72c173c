package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/paybridge/internal/gateway"
	"github.com/markjakearzadon/paybridge/internal/models"
	"github.com/markjakearzadon/paybridge/internal/store"
)

const timedOutReason = "payment timed out"

// StatusService refreshes a transaction by asking its provider. It shares the
// StateMachine with the callback path, so both may race on one transaction.
type StatusService struct {
	store          store.TransactionStore
	gateways       *gateway.Registry
	machine        *StateMachine
	pendingTimeout time.Duration
	now            func() time.Time
}

func NewStatusService(st store.TransactionStore, gateways *gateway.Registry, machine *StateMachine, pendingTimeout time.Duration) *StatusService {
	return &StatusService{
		store:          st,
		gateways:       gateways,
		machine:        machine,
		pendingTimeout: pendingTimeout,
		now:            time.Now,
	}
}

// Refresh returns terminal transactions untouched. For the rest it queries
// the provider and applies the answer. A transaction older than the pending
// timeout is failed when the provider still reports it in flight, or when it
// never got a correlation id. Provider errors leave it unchanged.
func (s *StatusService) Refresh(ctx context.Context, id string) (*models.Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status.IsTerminal() {
		return tx, nil
	}

	logger := log.With().Str("transaction_id", tx.ID).Str("provider", string(tx.Method)).Logger()
	stale := s.pendingTimeout > 0 && s.now().Sub(tx.CreatedAt) >= s.pendingTimeout

	if tx.CorrelationID == "" {
		if stale {
			return s.timeout(ctx, tx)
		}
		return tx, nil
	}

	gw, err := s.gateways.Get(tx.Method)
	if err != nil {
		logger.Warn().Err(err).Msg("No gateway registered for pending transaction")
		return tx, nil
	}

	res, err := gw.Verify(ctx, tx)
	if err != nil {
		logger.Warn().Err(err).Str("kind", string(models.KindOf(err))).Msg("Status query failed, keeping current status")
		return tx, nil
	}

	updated, _, err := s.machine.Apply(ctx, tx.ID, models.StatusUpdate{
		Status:            res.Status,
		FailureReason:     res.FailureReason,
		ProviderReference: res.ProviderReference,
		Source:            "poll",
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to apply polled status")
		return tx, nil
	}

	if !updated.Status.IsTerminal() && stale {
		return s.timeout(ctx, updated)
	}
	return updated, nil
}

func (s *StatusService) timeout(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	log.Warn().Str("transaction_id", tx.ID).Dur("age", s.now().Sub(tx.CreatedAt)).Msg("Pending transaction timed out")
	updated, _, err := s.machine.Apply(ctx, tx.ID, models.StatusUpdate{
		Status:        models.StatusFailed,
		FailureReason: timedOutReason,
		Source:        "timeout",
	})
	if err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to time out transaction")
		return tx, nil
	}
	return updated, nil
}
