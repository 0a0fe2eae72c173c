package services

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/paybridge/internal/currency"
	"github.com/markjakearzadon/paybridge/internal/downstream"
	"github.com/markjakearzadon/paybridge/internal/gateway"
	"github.com/markjakearzadon/paybridge/internal/models"
	"github.com/markjakearzadon/paybridge/internal/store"
)

type mockGateway struct {
	method           models.PaymentMethod
	currency         string
	ValidateFunc     func(req gateway.InitiateRequest) error
	InitiateFunc     func(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error)
	VerifyFunc       func(ctx context.Context, tx *models.Transaction) (*gateway.VerifyResult, error)
	ParseWebhookFunc func(ctx context.Context, body []byte, header http.Header) (*gateway.WebhookEvent, error)

	initiateCalls int32
	verifyCalls   int32
}

func (m *mockGateway) Method() models.PaymentMethod { return m.method }

func (m *mockGateway) Currency() string { return m.currency }

func (m *mockGateway) Validate(req gateway.InitiateRequest) error {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(req)
	}
	return nil
}

func (m *mockGateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	atomic.AddInt32(&m.initiateCalls, 1)
	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, req)
	}
	return &gateway.InitiateResult{CorrelationID: "corr-" + req.TransactionID}, nil
}

func (m *mockGateway) Verify(ctx context.Context, tx *models.Transaction) (*gateway.VerifyResult, error) {
	atomic.AddInt32(&m.verifyCalls, 1)
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, tx)
	}
	return &gateway.VerifyResult{Status: tx.Status}, nil
}

func (m *mockGateway) ParseWebhook(ctx context.Context, body []byte, header http.Header) (*gateway.WebhookEvent, error) {
	if m.ParseWebhookFunc != nil {
		return m.ParseWebhookFunc(ctx, body, header)
	}
	return nil, models.NewValidationError("no webhook configured")
}

// countingSyncer records every successful downstream call. While err is
// set every call fails with it.
type countingSyncer struct {
	mu       sync.Mutex
	err      error
	payments []downstream.PaymentSnapshot
	statuses []models.Status
}

func (c *countingSyncer) RecordPayment(ctx context.Context, snapshot downstream.PaymentSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.payments = append(c.payments, snapshot)
	return nil
}

func (c *countingSyncer) UpdateUserPaymentStatus(ctx context.Context, userID string, status models.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.statuses = append(c.statuses, status)
	return nil
}

func (c *countingSyncer) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *countingSyncer) recorded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payments)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestConverter(t *testing.T) *currency.Converter {
	t.Helper()
	c, err := currency.NewConverter("USD", map[string]decimal.Decimal{
		"USD": d("1"),
		"KES": d("147.50"),
		"EUR": d("0.85"),
	}, "KES")
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	return c
}

type harness struct {
	store    *store.MemoryStore
	syncer   *countingSyncer
	machine  *StateMachine
	payments *PaymentService
	callback *CallbackService
	status   *StatusService
}

func newHarness(t *testing.T, gateways ...gateway.Gateway) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	registry := gateway.NewRegistry(gateways...)
	syncer := &countingSyncer{}
	machine := NewStateMachine(st, syncer, time.Second)
	payments := NewPaymentService(st, registry, newTestConverter(t), machine, PaymentConfig{
		MinAmount:  d("1"),
		MaxAmount:  d("10000"),
		MaxRetries: 3,
	})
	return &harness{
		store:    st,
		syncer:   syncer,
		machine:  machine,
		payments: payments,
		callback: NewCallbackService(st, registry, machine),
		status:   NewStatusService(st, registry, machine, 5*time.Minute),
	}
}

// seedPending stores a pending transaction created at createdAt, optionally
// with a correlation id.
func seedPending(t *testing.T, st *store.MemoryStore, id string, method models.PaymentMethod, correlationID string, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	_, created, err := st.Create(ctx, &models.Transaction{
		ID:              id,
		UserID:          "u1",
		Amount:          d("10"),
		Currency:        "USD",
		DisplayAmount:   d("10"),
		DisplayCurrency: "USD",
		Method:          method,
		CreatedAt:       createdAt,
	})
	if err != nil || !created {
		t.Fatalf("seed %s: created=%v err=%v", id, created, err)
	}
	if correlationID != "" {
		if _, err := st.SetInitiation(ctx, id, store.Initiation{CorrelationID: correlationID}); err != nil {
			t.Fatalf("SetInitiation: %v", err)
		}
	}
}
