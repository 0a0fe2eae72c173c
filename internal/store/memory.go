package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/markjakearzadon/paybridge/internal/models"
)

type memoryEntry struct {
	mu sync.Mutex
	tx *models.Transaction
}

// MemoryStore keeps everything in process. The map lock guards membership;
// each entry has its own mutex so transitions on different transactions do
// not contend.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string]*memoryEntry
	correlation map[string]string // method|correlation id -> transaction id
	callbacks   map[string]*models.CallbackRecord
	callbackIDs []string
	syncLogs    []*models.SyncLog

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string]*memoryEntry),
		correlation: make(map[string]string),
		callbacks:   make(map[string]*models.CallbackRecord),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func correlationKey(method models.PaymentMethod, id string) string {
	return string(method) + "|" + id
}

func (s *MemoryStore) Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[tx.ID]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.tx.Clone(), false, nil
	}

	stored := tx.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	stored.Status = models.StatusPending
	stored.Version = 1
	s.entries[stored.ID] = &memoryEntry{tx: stored}
	return stored.Clone(), true, nil
}

func (s *MemoryStore) entry(id string) (*memoryEntry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, models.NewNotFoundError("transaction %s not found", id)
	}
	return e, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx.Clone(), nil
}

func (s *MemoryStore) FindByCorrelation(ctx context.Context, method models.PaymentMethod, correlationID string) (*models.Transaction, error) {
	s.mu.RLock()
	id, ok := s.correlation[correlationKey(method, correlationID)]
	s.mu.RUnlock()
	if !ok {
		return nil, models.NewNotFoundError("no %s transaction for correlation id %s", method, correlationID)
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) SetInitiation(ctx context.Context, id string, in Initiation) (*models.Transaction, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.tx.CorrelationID = in.CorrelationID
	e.tx.MerchantRequestID = in.MerchantRequestID
	e.tx.CheckoutURL = in.CheckoutURL
	e.tx.UpdatedAt = s.now()
	e.tx.Version++
	out := e.tx.Clone()
	method := e.tx.Method
	e.mu.Unlock()

	if in.CorrelationID != "" {
		s.mu.Lock()
		s.correlation[correlationKey(method, in.CorrelationID)] = id
		s.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, u models.StatusUpdate) (*models.Transaction, bool, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	applied := e.tx.Apply(u, s.now())
	if applied {
		e.tx.Version++
	}
	return e.tx.Clone(), applied, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for _, tx := range s.snapshot() {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for _, tx := range s.snapshot() {
		if tx.IsPending() && tx.CreatedAt.Before(cutoff) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) snapshot() []*models.Transaction {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*models.Transaction, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.tx.Clone())
		e.mu.Unlock()
	}
	return out
}

func (s *MemoryStore) RecordCallback(ctx context.Context, rec *models.CallbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.callbacks[c.ID] = &c
	s.callbackIDs = append(s.callbackIDs, c.ID)
	return nil
}

// CompleteCallback writes the outcome once; later calls are ignored.
func (s *MemoryStore) CompleteCallback(ctx context.Context, id string, outcome models.CallbackOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.callbacks[id]
	if !ok {
		return models.NewNotFoundError("callback %s not found", id)
	}
	if rec.Processed {
		return nil
	}
	now := s.now()
	rec.Processed = true
	rec.ProcessedAt = &now
	if outcome.CorrelationID != "" {
		rec.CorrelationID = outcome.CorrelationID
	}
	rec.TransactionID = outcome.TransactionID
	rec.Success = outcome.Success
	rec.Orphaned = outcome.Orphaned
	rec.ErrorKind = outcome.ErrorKind
	rec.ErrorMessage = outcome.ErrorMessage
	return nil
}

// Callbacks returns the callback log in arrival order.
func (s *MemoryStore) Callbacks() []models.CallbackRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CallbackRecord, 0, len(s.callbackIDs))
	for _, id := range s.callbackIDs {
		out = append(out, *s.callbacks[id])
	}
	return out
}

func (s *MemoryStore) RecordSync(ctx context.Context, entry *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.syncLogs = append(s.syncLogs, &e)
	return nil
}

func (s *MemoryStore) ListSyncLogs(ctx context.Context, transactionID string) ([]*models.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SyncLog
	for _, e := range s.syncLogs {
		if e.TransactionID == transactionID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}
