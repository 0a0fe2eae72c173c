package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/paybridge/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "verif-hash"

var flutterwaveStatus = map[string]models.Status{
	"successful": models.StatusCompleted,
	"completed":  models.StatusCompleted,
	"pending":    models.StatusProcessing,
	"failed":     models.StatusFailed,
	"cancelled":  models.StatusCancelled,
	"abandoned":  models.StatusCancelled,
}

type FlutterwaveConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	RedirectURL   string
	Title         string
	Timeout       time.Duration
}

// FlutterwaveGateway creates hosted card checkouts. It charges in the payer's
// display currency.
type FlutterwaveGateway struct {
	cfg    FlutterwaveConfig
	client *providerClient
}

func NewFlutterwaveGateway(cfg FlutterwaveConfig, httpClient *http.Client) *FlutterwaveGateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Title == "" {
		cfg.Title = "Payment"
	}
	return &FlutterwaveGateway{
		cfg:    cfg,
		client: newProviderClient("flutterwave", httpClient, cfg.Timeout),
	}
}

func (g *FlutterwaveGateway) Method() models.PaymentMethod { return models.MethodFlutterwave }

func (g *FlutterwaveGateway) Currency() string { return "" }

func (g *FlutterwaveGateway) Validate(req InitiateRequest) error {
	if !strings.Contains(req.Email, "@") {
		return models.NewValidationError("a valid email is required for card payments")
	}
	if !req.Amount.IsPositive() {
		return models.NewValidationError("amount must be positive")
	}
	if req.Currency == "" {
		return models.NewValidationError("currency is required for card payments")
	}
	return nil
}

type flwCustomer struct {
	Email       string `json:"email"`
	PhoneNumber string `json:"phonenumber,omitempty"`
	Name        string `json:"name,omitempty"`
}

type flwPaymentRequest struct {
	TxRef          string      `json:"tx_ref"`
	Amount         string      `json:"amount"`
	Currency       string      `json:"currency"`
	RedirectURL    string      `json:"redirect_url"`
	PaymentOptions string      `json:"payment_options"`
	Customer       flwCustomer `json:"customer"`
	Customizations struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	} `json:"customizations"`
}

type flwEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (g *FlutterwaveGateway) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := g.Validate(req); err != nil {
		return nil, err
	}

	payload := flwPaymentRequest{
		TxRef:          req.TransactionID,
		Amount:         req.Amount.StringFixed(2),
		Currency:       strings.ToUpper(req.Currency),
		RedirectURL:    g.cfg.RedirectURL,
		PaymentOptions: "card",
		Customer: flwCustomer{
			Email:       req.Email,
			PhoneNumber: req.PhoneNumber,
			Name:        req.Name,
		},
	}
	payload.Customizations.Title = g.cfg.Title
	payload.Customizations.Description = req.Description

	resp, err := g.client.send(ctx, http.MethodPost, g.cfg.BaseURL+"/payments", payload, bearer(g.cfg.SecretKey))
	if err != nil {
		return nil, err
	}

	var env flwEnvelope
	_ = json.Unmarshal(resp.Body, &env)
	if resp.StatusCode != http.StatusOK || env.Status != "success" {
		log.Error().Int("status", resp.StatusCode).Str("transaction_id", req.TransactionID).Str("message", env.Message).Msg("Card checkout rejected")
		return nil, models.NewPermanentError(orDefault(env.Message, fmt.Sprintf("card checkout failed with status %d", resp.StatusCode)), nil)
	}

	var data struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Link == "" {
		return nil, models.NewPermanentError("card checkout response has no payment link", err)
	}

	log.Info().Str("transaction_id", req.TransactionID).Msg("Card checkout created")
	return &InitiateResult{
		CorrelationID: req.TransactionID,
		CheckoutURL:   data.Link,
	}, nil
}

type flwTransaction struct {
	ID                json.Number `json:"id"`
	TxRef             string      `json:"tx_ref"`
	FlwRef            string      `json:"flw_ref"`
	Status            string      `json:"status"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	ProcessorResponse string      `json:"processor_response"`
	Customer          struct {
		Email       string `json:"email"`
		PhoneNumber string `json:"phone_number"`
		Name        string `json:"name"`
	} `json:"customer"`
}

func (g *FlutterwaveGateway) Verify(ctx context.Context, tx *models.Transaction) (*VerifyResult, error) {
	if tx.CorrelationID == "" {
		return nil, models.NewValidationError("transaction %s has no payment reference", tx.ID)
	}
	endpoint := g.cfg.BaseURL + "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(tx.CorrelationID)
	resp, err := g.client.send(ctx, http.MethodGet, endpoint, nil, bearer(g.cfg.SecretKey))
	if err != nil {
		return nil, err
	}

	var env flwEnvelope
	_ = json.Unmarshal(resp.Body, &env)
	if resp.StatusCode != http.StatusOK || env.Status != "success" {
		// Not found until the payer submits the checkout form.
		return nil, models.NewRetryableError(orDefault(env.Message, "status not yet available"), fmt.Errorf("verify returned %d", resp.StatusCode))
	}

	var data flwTransaction
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, models.NewRetryableError("invalid verify response", err)
	}
	status := mapFlutterwaveStatus(data.Status)
	result := &VerifyResult{
		Status:            status,
		ResultCode:        data.Status,
		Description:       data.ProcessorResponse,
		ProviderReference: data.FlwRef,
	}
	if status == models.StatusFailed || status == models.StatusCancelled {
		result.FailureReason = orDefault(data.ProcessorResponse, "card payment "+strings.ToLower(data.Status))
	}
	return result, nil
}

// ParseWebhook rejects any payload whose signature does not verify before
// looking at its contents. A missing secret rejects everything.
func (g *FlutterwaveGateway) ParseWebhook(ctx context.Context, body []byte, header http.Header) (*WebhookEvent, error) {
	signature := strings.TrimSpace(header.Get(SignatureHeader))
	if signature == "" {
		return nil, models.NewAuthenticityError("missing webhook signature")
	}
	if g.cfg.WebhookSecret == "" {
		return nil, models.NewAuthenticityError("webhook secret is not configured")
	}
	expected, err := Sign(g.cfg.WebhookSecret, body)
	if err != nil {
		return nil, models.NewValidationError("malformed webhook payload: %v", err)
	}
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return nil, models.NewAuthenticityError("invalid webhook signature")
	}

	var payload struct {
		Event string         `json:"event"`
		Data  flwTransaction `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, models.NewValidationError("malformed webhook payload: %v", err)
	}
	data := payload.Data
	if data.TxRef == "" {
		return nil, models.NewValidationError("malformed webhook payload: missing tx_ref")
	}

	status := mapFlutterwaveStatus(data.Status)
	event := &WebhookEvent{
		CorrelationID:     data.TxRef,
		Status:            status,
		ResultCode:        data.Status,
		Description:       payload.Event,
		ProviderReference: data.FlwRef,
		Currency:          data.Currency,
		PhoneNumber:       data.Customer.PhoneNumber,
		Email:             data.Customer.Email,
	}
	if amount, err := decimal.NewFromString(data.Amount.String()); err == nil {
		event.Amount = amount
	}
	if status == models.StatusFailed || status == models.StatusCancelled {
		event.FailureReason = orDefault(data.ProcessorResponse, "card payment "+strings.ToLower(data.Status))
	}
	return event, nil
}

// Sign returns the hex HMAC-SHA256 of the canonical form of body, so
// formatting differences between sender and receiver do not change it.
func Sign(secret string, body []byte) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func mapFlutterwaveStatus(status string) models.Status {
	if s, ok := flutterwaveStatus[strings.ToLower(strings.TrimSpace(status))]; ok {
		return s
	}
	return models.StatusFailed
}
