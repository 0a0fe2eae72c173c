package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Transaction struct {
	ID                string          `json:"transaction_id"`
	UserID            string          `json:"user_id"`
	Email             string          `json:"email,omitempty"`
	Name              string          `json:"name,omitempty"`
	PhoneNumber       string          `json:"phone_number,omitempty"`
	Purpose           string          `json:"purpose,omitempty"`
	Amount            decimal.Decimal `json:"amount"`   // base currency
	Currency          string          `json:"currency"` // always the base currency
	DisplayAmount     decimal.Decimal `json:"display_amount"`
	DisplayCurrency   string          `json:"display_currency"`
	ConversionRate    decimal.Decimal `json:"conversion_rate"`
	Method            PaymentMethod   `json:"payment_method"`
	Status            Status          `json:"status"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
	MerchantRequestID string          `json:"merchant_request_id,omitempty"`
	CheckoutURL       string          `json:"checkout_url,omitempty"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	RetryCount        int             `json:"retry_count"`
	RetryOf           string          `json:"retry_of,omitempty"`
	Version           int64           `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Apply runs the transition rule against t in place and reports whether the
// transaction changed. Terminal states are absorbing: anything arriving after
// one is a no-op, never an error.
func (t *Transaction) Apply(u StatusUpdate, now time.Time) bool {
	if t.Status.IsTerminal() {
		return false
	}
	if u.Status == t.Status {
		// Same non-terminal state; only a newly learned reference is recorded.
		if u.ProviderReference != "" && u.ProviderReference != t.ProviderReference {
			t.ProviderReference = u.ProviderReference
			t.UpdatedAt = now
			return true
		}
		return false
	}
	if !t.Status.CanTransitionTo(u.Status) {
		return false
	}

	t.Status = u.Status
	t.UpdatedAt = now
	if u.ProviderReference != "" {
		t.ProviderReference = u.ProviderReference
	}
	if u.Status == StatusFailed || u.Status == StatusCancelled {
		t.FailureReason = u.FailureReason
	}
	if u.Status == StatusCompleted && t.CompletedAt == nil {
		completed := now
		t.CompletedAt = &completed
	}
	return true
}

// EquivalentTo decides whether a duplicate create with the same id is a
// replay of the original request.
func (t *Transaction) EquivalentTo(other *Transaction) bool {
	return t.ID == other.ID &&
		t.UserID == other.UserID &&
		t.Method == other.Method &&
		t.Amount.Equal(other.Amount) &&
		t.DisplayCurrency == other.DisplayCurrency
}

func (t *Transaction) IsPending() bool {
	return !t.Status.IsTerminal()
}

// Clone returns a copy that shares no pointers with t.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}
