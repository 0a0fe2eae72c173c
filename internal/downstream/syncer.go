// Package downstream notifies systems outside the gateway when a payment
// completes. Every adapter is best effort: callers log failures and never
// roll back payment state because of them.
package downstream

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/paybridge/internal/models"
)

// PaymentSnapshot is the record handed downstream, keyed by TransactionID.
type PaymentSnapshot struct {
	TransactionID     string               `json:"transaction_id"`
	UserID            string               `json:"user_id"`
	Email             string               `json:"email,omitempty"`
	Purpose           string               `json:"purpose,omitempty"`
	Amount            decimal.Decimal      `json:"amount"`
	Currency          string               `json:"currency"`
	DisplayAmount     decimal.Decimal      `json:"display_amount"`
	DisplayCurrency   string               `json:"display_currency"`
	Method            models.PaymentMethod `json:"payment_method"`
	Status            models.Status        `json:"status"`
	ProviderReference string               `json:"provider_reference,omitempty"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
	RecordedAt        time.Time            `json:"recorded_at"`
}

func SnapshotOf(tx *models.Transaction, now time.Time) PaymentSnapshot {
	return PaymentSnapshot{
		TransactionID:     tx.ID,
		UserID:            tx.UserID,
		Email:             tx.Email,
		Purpose:           tx.Purpose,
		Amount:            tx.Amount,
		Currency:          tx.Currency,
		DisplayAmount:     tx.DisplayAmount,
		DisplayCurrency:   tx.DisplayCurrency,
		Method:            tx.Method,
		Status:            tx.Status,
		ProviderReference: tx.ProviderReference,
		CompletedAt:       tx.CompletedAt,
		RecordedAt:        now,
	}
}

type Syncer interface {
	RecordPayment(ctx context.Context, snapshot PaymentSnapshot) error
	UpdateUserPaymentStatus(ctx context.Context, userID string, status models.Status) error
}

// Multi fans out to every syncer and joins their errors. One failing
// adapter does not stop the others.
type Multi []Syncer

func (m Multi) RecordPayment(ctx context.Context, snapshot PaymentSnapshot) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordPayment(ctx, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) UpdateUserPaymentStatus(ctx context.Context, userID string, status models.Status) error {
	var errs []error
	for _, s := range m {
		if err := s.UpdateUserPaymentStatus(ctx, userID, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSyncer only logs. It is the default when nothing else is configured.
type LogSyncer struct{}

func (LogSyncer) RecordPayment(ctx context.Context, snapshot PaymentSnapshot) error {
	log.Info().
		Str("transaction_id", snapshot.TransactionID).
		Str("user_id", snapshot.UserID).
		Str("amount", snapshot.Amount.StringFixed(2)).
		Str("currency", snapshot.Currency).
		Str("status", string(snapshot.Status)).
		Msg("Payment recorded")
	return nil
}

func (LogSyncer) UpdateUserPaymentStatus(ctx context.Context, userID string, status models.Status) error {
	log.Info().Str("user_id", userID).Str("status", string(status)).Msg("User payment status updated")
	return nil
}
