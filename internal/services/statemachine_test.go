package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/markjakearzadon/paybridge/internal/models"
)

func TestCompletionWritesSyncLog(t *testing.T) {
	h := newHarness(t)
	seedPending(t, h.store, "tx-1", models.MethodMpesa, "ws_CO_1", time.Now())
	ctx := context.Background()

	if _, applied, err := h.machine.Apply(ctx, "tx-1", models.StatusUpdate{Status: models.StatusCompleted, Source: "test"}); err != nil || !applied {
		t.Fatalf("Apply: applied=%v err=%v", applied, err)
	}

	logs, err := h.store.ListSyncLogs(ctx, "tx-1")
	if err != nil {
		t.Fatalf("ListSyncLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("sync log has %d entries, want 2", len(logs))
	}
	if logs[0].SyncType != models.SyncPaymentRecord || logs[1].SyncType != models.SyncUserPaymentStatus {
		t.Errorf("sync types = %s, %s", logs[0].SyncType, logs[1].SyncType)
	}
	for _, l := range logs {
		if !l.Success || l.ErrorMessage != "" || l.UserID != "u1" || l.Data == "" {
			t.Errorf("unexpected entry %+v", l)
		}
	}
}

func TestFailedSyncIsLoggedAndResyncRecovers(t *testing.T) {
	h := newHarness(t)
	seedPending(t, h.store, "tx-1", models.MethodMpesa, "ws_CO_1", time.Now())
	ctx := context.Background()

	h.syncer.failWith(errors.New("downstream unavailable"))
	tx, applied, err := h.machine.Apply(ctx, "tx-1", models.StatusUpdate{Status: models.StatusCompleted, Source: "test"})
	if err != nil || !applied || tx.Status != models.StatusCompleted {
		t.Fatalf("a failing sync must not block completion: tx=%+v applied=%v err=%v", tx, applied, err)
	}

	logs, _ := h.store.ListSyncLogs(ctx, "tx-1")
	if len(logs) != 2 {
		t.Fatalf("sync log has %d entries, want 2", len(logs))
	}
	for _, l := range logs {
		if l.Success || l.ErrorMessage != "downstream unavailable" {
			t.Errorf("unexpected entry %+v", l)
		}
	}

	if _, _, err := h.payments.Resync(ctx, "tx-1"); !errors.Is(err, models.ErrRetryable) {
		t.Fatalf("resync while downstream is down: want retryable error, got %v", err)
	}

	h.syncer.failWith(nil)
	_, logs, err = h.payments.Resync(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if len(logs) != 6 {
		t.Fatalf("sync log has %d entries, want 6", len(logs))
	}
	if last := logs[len(logs)-1]; !last.Success {
		t.Errorf("last entry %+v", last)
	}
	if h.syncer.recorded() != 1 {
		t.Errorf("downstream recorded %d payments, want 1", h.syncer.recorded())
	}
}

func TestResyncRequiresCompletedPayment(t *testing.T) {
	h := newHarness(t)
	seedPending(t, h.store, "tx-1", models.MethodMpesa, "", time.Now())
	ctx := context.Background()

	if _, _, err := h.payments.Resync(ctx, "tx-1"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("pending: want validation error, got %v", err)
	}
	if _, _, err := h.payments.Resync(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing: want not found, got %v", err)
	}
	if logs, _ := h.store.ListSyncLogs(ctx, "tx-1"); len(logs) != 0 {
		t.Errorf("sync log has %d entries", len(logs))
	}
}
