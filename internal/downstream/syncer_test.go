package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/paybridge/internal/models"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type mockPublisher struct {
	PublishFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	calls       []published
}

func (m *mockPublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.calls = append(m.calls, published{exchange: exchange, key: key, msg: msg})
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, exchange, key, msg)
	}
	return nil
}

type mockSyncer struct {
	RecordPaymentFunc func(ctx context.Context, snapshot PaymentSnapshot) error
	UpdateStatusFunc  func(ctx context.Context, userID string, status models.Status) error
}

func (m *mockSyncer) RecordPayment(ctx context.Context, snapshot PaymentSnapshot) error {
	if m.RecordPaymentFunc != nil {
		return m.RecordPaymentFunc(ctx, snapshot)
	}
	return nil
}

func (m *mockSyncer) UpdateUserPaymentStatus(ctx context.Context, userID string, status models.Status) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, userID, status)
	}
	return nil
}

func completedTx() *models.Transaction {
	done := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return &models.Transaction{
		ID:                "tx-1",
		UserID:            "u1",
		Amount:            decimal.RequireFromString("10.00"),
		Currency:          "USD",
		DisplayAmount:     decimal.RequireFromString("1475.00"),
		DisplayCurrency:   "KES",
		Method:            models.MethodMpesa,
		Status:            models.StatusCompleted,
		ProviderReference: "NLJ7RT61SV",
		CompletedAt:       &done,
	}
}

func TestRabbitMQSyncerPublishesPersistentEvents(t *testing.T) {
	pub := &mockPublisher{}
	s := NewRabbitMQSyncer(pub, "payments")
	ctx := context.Background()

	if err := s.RecordPayment(ctx, SnapshotOf(completedTx(), time.Now())); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if err := s.UpdateUserPaymentStatus(ctx, "u1", models.StatusCompleted); err != nil {
		t.Fatalf("UpdateUserPaymentStatus: %v", err)
	}

	if len(pub.calls) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.calls))
	}
	first := pub.calls[0]
	if first.exchange != "payments" || first.key != RoutingPaymentRecorded || first.msg.MessageId != "tx-1" {
		t.Errorf("unexpected first publish %+v", first)
	}
	if first.msg.DeliveryMode != amqp.Persistent || first.msg.ContentType != "application/json" {
		t.Errorf("message not persistent JSON: %+v", first.msg)
	}
	var snap PaymentSnapshot
	if err := json.Unmarshal(first.msg.Body, &snap); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if snap.TransactionID != "tx-1" || !snap.Amount.Equal(decimal.NewFromInt(10)) || snap.ProviderReference != "NLJ7RT61SV" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	second := pub.calls[1]
	var ev UserPaymentStatusEvent
	if err := json.Unmarshal(second.msg.Body, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if second.key != RoutingUserPaymentStatus || !ev.Status.HasPaid || ev.Status.PaymentStatus != "active" {
		t.Errorf("unexpected status event %s %+v", second.key, ev)
	}
}

func TestRabbitMQSyncerWrapsPublishError(t *testing.T) {
	boom := errors.New("channel closed")
	pub := &mockPublisher{PublishFunc: func(ctx context.Context, exchange, key string, msg amqp.Publishing) error { return boom }}
	s := NewRabbitMQSyncer(pub, "payments")
	if err := s.RecordPayment(context.Background(), SnapshotOf(completedTx(), time.Now())); !errors.Is(err, boom) {
		t.Fatalf("want wrapped publish error, got %v", err)
	}
}

func TestMultiCallsEveryAdapter(t *testing.T) {
	boom := errors.New("mongo down")
	var calledSecond bool
	m := Multi{
		&mockSyncer{RecordPaymentFunc: func(ctx context.Context, s PaymentSnapshot) error { return boom }},
		&mockSyncer{RecordPaymentFunc: func(ctx context.Context, s PaymentSnapshot) error {
			calledSecond = true
			return nil
		}},
		LogSyncer{},
	}
	err := m.RecordPayment(context.Background(), SnapshotOf(completedTx(), time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("want joined error, got %v", err)
	}
	if !calledSecond {
		t.Fatal("a failing adapter stopped the fan-out")
	}
	if err := m.UpdateUserPaymentStatus(context.Background(), "u1", models.StatusCompleted); err != nil {
		t.Fatalf("UpdateUserPaymentStatus: %v", err)
	}
}
