package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/paybridge/internal/store"
)

const defaultSweepBatch = 50

// Sweeper periodically refreshes transactions that have been pending longer
// than the pending timeout, so they cannot stay pending forever when neither
// a callback nor a poll arrives.
type Sweeper struct {
	store          store.TransactionStore
	status         *StatusService
	interval       time.Duration
	pendingTimeout time.Duration
	batch          int
	now            func() time.Time
}

func NewSweeper(st store.TransactionStore, status *StatusService, interval, pendingTimeout time.Duration) *Sweeper {
	return &Sweeper{
		store:          st,
		status:         status,
		interval:       interval,
		pendingTimeout: pendingTimeout,
		batch:          defaultSweepBatch,
		now:            time.Now,
	}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		log.Info().Dur("interval", s.interval).Msg("Pending sweeper started")
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Pending sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil {
					log.Error().Err(err).Msg("Sweep failed")
				}
			}
		}
	}()
}

// SweepOnce refreshes one batch of stale transactions and returns how many
// reached a terminal state.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.pendingTimeout)
	stale, err := s.store.ListStalePending(ctx, cutoff, s.batch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, tx := range stale {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		updated, err := s.status.Refresh(ctx, tx.ID)
		if err != nil {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Sweeper failed to refresh transaction")
			continue
		}
		if updated.Status.IsTerminal() {
			resolved++
		}
	}
	if len(stale) > 0 {
		log.Info().Int("stale", len(stale)).Int("resolved", resolved).Msg("Sweep finished")
	}
	return resolved, nil
}
