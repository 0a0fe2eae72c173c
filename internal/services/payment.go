package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/paybridge/internal/currency"
	"github.com/markjakearzadon/paybridge/internal/gateway"
	"github.com/markjakearzadon/paybridge/internal/models"
	"github.com/markjakearzadon/paybridge/internal/store"
)

type PaymentConfig struct {
	MinAmount  decimal.Decimal // base currency
	MaxAmount  decimal.Decimal // base currency
	MaxRetries int
}

// CreatePaymentRequest is what a caller asks for. Amount is expressed in
// Currency, which defaults to the base currency.
type CreatePaymentRequest struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	UserID        string          `json:"user_id"`
	Email         string          `json:"email,omitempty"`
	Name          string          `json:"name,omitempty"`
	PhoneNumber   string          `json:"phone_number,omitempty"`
	Purpose       string          `json:"purpose,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	Method        string          `json:"payment_method"`
}

// PaymentService creates transactions and hands them to the provider. It
// never retries on its own; Resubmit is the explicit, bounded retry.
type PaymentService struct {
	store     store.TransactionStore
	gateways  *gateway.Registry
	converter *currency.Converter
	machine   *StateMachine
	cfg       PaymentConfig
	newID     func() string
}

func NewPaymentService(st store.TransactionStore, gateways *gateway.Registry, converter *currency.Converter, machine *StateMachine, cfg PaymentConfig) *PaymentService {
	return &PaymentService{
		store:     st,
		gateways:  gateways,
		converter: converter,
		machine:   machine,
		cfg:       cfg,
		newID:     uuid.NewString,
	}
}

// Initiate validates and converts req, creates the pending transaction and
// starts the provider flow. A duplicate transaction id returns the stored
// transaction without calling the provider again.
func (s *PaymentService) Initiate(ctx context.Context, req CreatePaymentRequest) (*models.Transaction, error) {
	return s.initiate(ctx, req, "", 0)
}

func (s *PaymentService) initiate(ctx context.Context, req CreatePaymentRequest, retryOf string, retryCount int) (*models.Transaction, error) {
	tx, gw, gwReq, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	tx.RetryOf = retryOf
	tx.RetryCount = retryCount

	stored, created, err := s.store.Create(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if !created {
		if !stored.EquivalentTo(tx) {
			return nil, models.NewValidationError("transaction id %s is already used by a different payment", tx.ID)
		}
		log.Info().Str("transaction_id", stored.ID).Str("status", string(stored.Status)).Msg("Duplicate payment request, returning existing transaction")
		return stored, nil
	}

	// Once the transaction exists the provider flow runs to the end, even if
	// the caller goes away; the provider client bounds it with its own timeout.
	ctx = context.WithoutCancel(ctx)

	logger := log.With().Str("transaction_id", stored.ID).Str("provider", string(stored.Method)).Logger()
	logger.Info().
		Str("amount", stored.Amount.StringFixed(2)).
		Str("currency", stored.Currency).
		Str("provider_amount", gwReq.Amount.String()).
		Str("provider_currency", gwReq.Currency).
		Msg("Initiating payment")

	res, err := gw.Initiate(ctx, gwReq)
	if err != nil {
		logger.Error().Err(err).Str("kind", string(models.KindOf(err))).Msg("Payment initiation failed")
		failed, _, terr := s.machine.Apply(ctx, stored.ID, models.StatusUpdate{
			Status:        models.StatusFailed,
			FailureReason: models.Reason(err),
			Source:        "initiate",
		})
		if terr != nil {
			logger.Error().Err(terr).Msg("Failed to mark transaction failed")
			return stored, err
		}
		return failed, err
	}

	updated, err := s.store.SetInitiation(ctx, stored.ID, store.Initiation{
		CorrelationID:     res.CorrelationID,
		MerchantRequestID: res.MerchantRequestID,
		CheckoutURL:       res.CheckoutURL,
	})
	if err != nil {
		// The provider accepted the request; without the correlation id the
		// transaction can only be resolved by timing out.
		logger.Error().Err(err).Str("correlation_id", res.CorrelationID).Msg("Failed to persist correlation id")
		return nil, fmt.Errorf("failed to persist correlation id: %w", err)
	}
	logger.Info().Str("correlation_id", res.CorrelationID).Msg("Payment initiated")
	return updated, nil
}

// prepare runs every check that must pass before anything is persisted or
// sent, and builds the transaction and the provider request.
func (s *PaymentService) prepare(req CreatePaymentRequest) (*models.Transaction, gateway.Gateway, gateway.InitiateRequest, error) {
	var none gateway.InitiateRequest

	if strings.TrimSpace(req.UserID) == "" {
		return nil, nil, none, models.NewValidationError("user_id is required")
	}
	method, ok := models.ParsePaymentMethod(req.Method)
	if !ok {
		return nil, nil, none, models.NewValidationError("unknown payment method %q", req.Method)
	}
	gw, err := s.gateways.Get(method)
	if err != nil {
		return nil, nil, none, err
	}
	if !req.Amount.IsPositive() {
		return nil, nil, none, models.NewValidationError("amount must be positive")
	}

	displayCurrency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if displayCurrency == "" {
		displayCurrency = s.converter.Base()
	}
	if !s.converter.IsSupported(displayCurrency) {
		return nil, nil, none, models.NewValidationError("unsupported currency %s", displayCurrency)
	}
	displayAmount := req.Amount.Round(currency.Scale)

	base, err := s.converter.ToBase(displayAmount, displayCurrency)
	if err != nil {
		return nil, nil, none, models.NewValidationError("%v", err)
	}
	if base.LessThan(s.cfg.MinAmount) {
		return nil, nil, none, models.NewValidationError("amount %s %s is below the minimum of %s %s",
			base.StringFixed(2), s.converter.Base(), s.cfg.MinAmount.StringFixed(2), s.converter.Base())
	}
	if s.cfg.MaxAmount.IsPositive() && base.GreaterThan(s.cfg.MaxAmount) {
		return nil, nil, none, models.NewValidationError("amount %s %s exceeds the maximum of %s %s",
			base.StringFixed(2), s.converter.Base(), s.cfg.MaxAmount.StringFixed(2), s.converter.Base())
	}
	rate, err := s.converter.Rate(s.converter.Base(), displayCurrency)
	if err != nil {
		return nil, nil, none, models.NewValidationError("%v", err)
	}

	id := strings.TrimSpace(req.TransactionID)
	if id == "" {
		id = s.newID()
	}

	gwReq := gateway.InitiateRequest{
		TransactionID: id,
		Amount:        displayAmount,
		Currency:      displayCurrency,
		PhoneNumber:   req.PhoneNumber,
		Email:         req.Email,
		Name:          req.Name,
		Description:   req.Purpose,
	}
	if settle := gw.Currency(); settle != "" {
		amount, err := s.converter.FromBase(base, settle)
		if err != nil {
			return nil, nil, none, models.NewValidationError("%v", err)
		}
		gwReq.Amount = amount
		gwReq.Currency = settle
	}
	if err := gw.Validate(gwReq); err != nil {
		return nil, nil, none, err
	}

	tx := &models.Transaction{
		ID:              id,
		UserID:          req.UserID,
		Email:           req.Email,
		Name:            req.Name,
		PhoneNumber:     req.PhoneNumber,
		Purpose:         req.Purpose,
		Amount:          base,
		Currency:        s.converter.Base(),
		DisplayAmount:   displayAmount,
		DisplayCurrency: displayCurrency,
		ConversionRate:  rate,
		Method:          method,
		Status:          models.StatusPending,
	}
	return tx, gw, gwReq, nil
}

// Resubmit retries a failed transaction under a new id derived from the
// original, so resubmitting the same attempt twice is idempotent.
func (s *PaymentService) Resubmit(ctx context.Context, id string) (*models.Transaction, error) {
	orig, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != models.StatusFailed {
		return nil, models.NewValidationError("transaction %s is %s; only failed transactions can be retried", id, orig.Status)
	}
	if orig.RetryCount >= s.cfg.MaxRetries {
		return nil, models.NewValidationError("transaction %s reached the retry limit of %d", id, s.cfg.MaxRetries)
	}

	root := orig.RetryOf
	if root == "" {
		root = orig.ID
	}
	attempt := orig.RetryCount + 1
	req := CreatePaymentRequest{
		TransactionID: fmt.Sprintf("%s-r%d", root, attempt),
		UserID:        orig.UserID,
		Email:         orig.Email,
		Name:          orig.Name,
		PhoneNumber:   orig.PhoneNumber,
		Purpose:       orig.Purpose,
		Amount:        orig.DisplayAmount,
		Currency:      orig.DisplayCurrency,
		Method:        string(orig.Method),
	}
	log.Info().Str("transaction_id", orig.ID).Str("retry_id", req.TransactionID).Int("attempt", attempt).Msg("Resubmitting failed payment")
	return s.initiate(ctx, req, root, attempt)
}

func (s *PaymentService) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return s.store.Get(ctx, id)
}

func (s *PaymentService) ListByUser(ctx context.Context, userID string) ([]*models.Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.NewValidationError("user_id is required")
	}
	txs, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// Resync pushes a completed transaction downstream again and returns the
// transaction with its full sync log.
func (s *PaymentService) Resync(ctx context.Context, id string) (*models.Transaction, []*models.SyncLog, error) {
	return s.machine.Resync(ctx, id)
}

// CanRetry reports whether Resubmit would accept tx.
func (s *PaymentService) CanRetry(tx *models.Transaction) bool {
	return tx.Status == models.StatusFailed && tx.RetryCount < s.cfg.MaxRetries
}
