package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/paybridge/internal/downstream"
	"github.com/markjakearzadon/paybridge/internal/models"
	"github.com/markjakearzadon/paybridge/internal/store"
)

const defaultSyncTimeout = 10 * time.Second

// StateMachine is the only path through which a transaction changes status.
// The store serializes transitions per transaction; the caller that moves a
// transaction into completed runs the downstream sync, and nobody else does.
type StateMachine struct {
	store       store.Store
	syncer      downstream.Syncer
	syncTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

func NewStateMachine(st store.Store, syncer downstream.Syncer, syncTimeout time.Duration) *StateMachine {
	if syncer == nil {
		syncer = downstream.LogSyncer{}
	}
	if syncTimeout <= 0 {
		syncTimeout = defaultSyncTimeout
	}
	return &StateMachine{store: st, syncer: syncer, syncTimeout: syncTimeout, now: time.Now, newID: uuid.NewString}
}

func (m *StateMachine) Apply(ctx context.Context, id string, u models.StatusUpdate) (*models.Transaction, bool, error) {
	tx, applied, err := m.store.Transition(ctx, id, u)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		log.Debug().Str("transaction_id", id).Str("status", string(tx.Status)).Str("requested", string(u.Status)).Str("source", u.Source).Msg("Transition ignored")
		return tx, false, nil
	}

	log.Info().
		Str("transaction_id", id).
		Str("status", string(tx.Status)).
		Str("source", u.Source).
		Str("provider_reference", tx.ProviderReference).
		Msg("Transaction updated")

	if tx.Status == models.StatusCompleted {
		_ = m.syncCompleted(ctx, tx)
	}
	return tx, true, nil
}

// syncCompleted is best effort and outlives the request that triggered it,
// bounded by syncTimeout. Every adapter call lands in the sync log.
func (m *StateMachine) syncCompleted(ctx context.Context, tx *models.Transaction) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.syncTimeout)
	defer cancel()

	snapshot := downstream.SnapshotOf(tx, m.now().UTC())
	recordErr := m.syncer.RecordPayment(ctx, snapshot)
	if recordErr != nil {
		log.Error().Err(recordErr).Str("transaction_id", tx.ID).Msg("Failed to record payment downstream")
	}
	m.logSync(ctx, tx, models.SyncPaymentRecord, snapshot, recordErr)

	statusErr := m.syncer.UpdateUserPaymentStatus(ctx, tx.UserID, tx.Status)
	if statusErr != nil {
		log.Error().Err(statusErr).Str("transaction_id", tx.ID).Str("user_id", tx.UserID).Msg("Failed to update user payment status downstream")
	}
	m.logSync(ctx, tx, models.SyncUserPaymentStatus, models.NewUserPaymentStatus(tx.UserID, tx.Status, snapshot.RecordedAt), statusErr)

	return errors.Join(recordErr, statusErr)
}

func (m *StateMachine) logSync(ctx context.Context, tx *models.Transaction, syncType models.SyncType, data any, syncErr error) {
	entry := &models.SyncLog{
		ID:            m.newID(),
		SyncType:      syncType,
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Success:       syncErr == nil,
		CreatedAt:     m.now().UTC(),
	}
	if syncErr != nil {
		entry.ErrorMessage = syncErr.Error()
	}
	if raw, err := json.Marshal(data); err == nil {
		entry.Data = string(raw)
	}
	if err := m.store.RecordSync(ctx, entry); err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).Str("sync_type", string(syncType)).Msg("Failed to write sync log")
	}
}

// Resync pushes a completed transaction downstream again. It is the manual
// recovery path for a sync that failed after completion.
func (m *StateMachine) Resync(ctx context.Context, id string) (*models.Transaction, []*models.SyncLog, error) {
	tx, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if tx.Status != models.StatusCompleted {
		return tx, nil, models.NewValidationError("transaction %s is %s; only completed payments are synced", id, tx.Status)
	}

	log.Info().Str("transaction_id", id).Msg("Resyncing payment downstream")
	syncErr := m.syncCompleted(ctx, tx)
	logs, err := m.store.ListSyncLogs(ctx, id)
	if err != nil {
		return tx, nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	if syncErr != nil {
		return tx, logs, models.NewRetryableError("downstream sync failed", syncErr)
	}
	return tx, logs, nil
}
