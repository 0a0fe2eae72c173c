// Package gateway talks to external payment providers. Each provider is one
// Gateway variant; callers pick a variant through the Registry and never
// branch on the payment method themselves.
package gateway

import (
	"context"
	"net/http"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/paybridge/internal/models"
)

type InitiateRequest struct {
	TransactionID string
	Amount        decimal.Decimal // in Currency, already converted
	Currency      string
	PhoneNumber   string
	Email         string
	Name          string
	Description   string
}

type InitiateResult struct {
	CorrelationID     string
	MerchantRequestID string
	CheckoutURL       string
	CustomerMessage   string
}

type VerifyResult struct {
	Status            models.Status
	ResultCode        string
	Description       string
	ProviderReference string
	FailureReason     string
}

// WebhookEvent is a provider notification after authenticity checks and
// status mapping.
type WebhookEvent struct {
	CorrelationID     string
	MerchantRequestID string
	Status            models.Status
	ResultCode        string
	Description       string
	ProviderReference string
	FailureReason     string
	Amount            decimal.Decimal
	Currency          string
	PhoneNumber       string
	Email             string
	TransactionDate   string
}

// Gateway is implemented once per provider. Network calls are synchronous,
// bounded by a fixed timeout and never retried.
type Gateway interface {
	Method() models.PaymentMethod
	// Currency is the settlement currency the provider charges in, or "" when
	// the provider charges in the payer's display currency.
	Currency() string
	// Validate checks req without any network I/O.
	Validate(req InitiateRequest) error
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Verify(ctx context.Context, tx *models.Transaction) (*VerifyResult, error)
	ParseWebhook(ctx context.Context, body []byte, header http.Header) (*WebhookEvent, error)
}

type Registry struct {
	gateways map[models.PaymentMethod]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[models.PaymentMethod]Gateway, len(gateways))}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

// Register replaces any gateway already registered for the same method.
func (r *Registry) Register(g Gateway) {
	r.gateways[g.Method()] = g
}

func (r *Registry) Get(method models.PaymentMethod) (Gateway, error) {
	g, ok := r.gateways[method]
	if !ok {
		return nil, models.NewValidationError("payment method %q is not supported", method)
	}
	return g, nil
}

func (r *Registry) Methods() []models.PaymentMethod {
	methods := make([]models.PaymentMethod, 0, len(r.gateways))
	for m := range r.gateways {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}
