// Package store persists transactions, the inbound callback log and the
// downstream sync log.
// Implementations guarantee that concurrent Transition calls on the same
// transaction are serialized, so exactly one caller observes applied=true for
// any given state change.
package store

import (
	"context"
	"time"

	"github.com/markjakearzadon/paybridge/internal/models"
)

// Initiation is what a provider returns when it accepts a payment request.
type Initiation struct {
	CorrelationID     string
	MerchantRequestID string
	CheckoutURL       string
}

type TransactionStore interface {
	// Create inserts tx in pending state. When a transaction with the same id
	// exists, it is returned with created=false and tx is ignored.
	Create(ctx context.Context, tx *models.Transaction) (stored *models.Transaction, created bool, err error)
	Get(ctx context.Context, id string) (*models.Transaction, error)
	FindByCorrelation(ctx context.Context, method models.PaymentMethod, correlationID string) (*models.Transaction, error)
	SetInitiation(ctx context.Context, id string, in Initiation) (*models.Transaction, error)
	// Transition applies u through models.Transaction.Apply under the
	// per-transaction guard and reports whether anything changed.
	Transition(ctx context.Context, id string, u models.StatusUpdate) (*models.Transaction, bool, error)
	// ListByUser returns newest first.
	ListByUser(ctx context.Context, userID string) ([]*models.Transaction, error)
	// ListStalePending returns non-terminal transactions created before cutoff,
	// oldest first.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
}

type CallbackStore interface {
	RecordCallback(ctx context.Context, rec *models.CallbackRecord) error
	CompleteCallback(ctx context.Context, id string, outcome models.CallbackOutcome) error
}

// SyncLogStore keeps one record per downstream sync attempt.
type SyncLogStore interface {
	RecordSync(ctx context.Context, entry *models.SyncLog) error
	// ListSyncLogs returns the attempts for one transaction, oldest first.
	ListSyncLogs(ctx context.Context, transactionID string) ([]*models.SyncLog, error)
}

type Store interface {
	TransactionStore
	CallbackStore
	SyncLogStore
}
