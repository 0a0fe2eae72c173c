package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/paybridge/internal/models"
)

const (
	MpesaCurrency = "KES"

	mpesaTokenLifetime = 3600 * time.Second
	mpesaTokenMargin   = 100 * time.Second

	accountReferenceMax = 12
	transactionDescMax  = 13
)

// Daraja timestamps are in East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// Result codes reported by STK callbacks and status queries. Anything not
// listed maps to failed.
var mpesaResultStatus = map[string]models.Status{
	"0":    models.StatusCompleted,
	"1032": models.StatusCancelled,
	"1037": models.StatusFailed,
	"1025": models.StatusFailed,
	"1001": models.StatusFailed,
	"1019": models.StatusFailed,
	"1026": models.StatusFailed,
	"1036": models.StatusFailed,
	"1054": models.StatusFailed,
	"2001": models.StatusProcessing,
}

var mpesaErrorMessages = map[string]string{
	"1":    "Invalid phone number or account details",
	"2":    "Invalid amount. Minimum is KES 1",
	"4":    "Service temporarily unavailable",
	"26":   "Phone number not registered for M-Pesa",
	"1001": "Invalid phone number format",
	"1032": "Request cancelled by user",
	"2001": "Transaction is being processed",
}

type MpesaConfig struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	Shortcode       string
	Passkey         string
	CallbackURL     string
	TransactionType string
	Timeout         time.Duration
}

// MpesaGateway drives Daraja STK push payments.
type MpesaGateway struct {
	cfg    MpesaConfig
	client *providerClient
	tokens *TokenCache
	now    func() time.Time
}

func NewMpesaGateway(cfg MpesaConfig, httpClient *http.Client, store TokenStore) *MpesaGateway {
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	g := &MpesaGateway{
		cfg:    cfg,
		client: newProviderClient("mpesa", httpClient, cfg.Timeout),
		now:    time.Now,
	}
	g.tokens = NewTokenCache("mpesa:"+cfg.ConsumerKey, mpesaTokenLifetime, mpesaTokenMargin, g.fetchToken, store)
	return g
}

func (g *MpesaGateway) Method() models.PaymentMethod { return models.MethodMpesa }

func (g *MpesaGateway) Currency() string { return MpesaCurrency }

func (g *MpesaGateway) Validate(req InitiateRequest) error {
	if _, err := NormalizePhone(req.PhoneNumber); err != nil {
		return err
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, MpesaCurrency) {
		return models.NewValidationError("M-Pesa charges in %s, got %s", MpesaCurrency, req.Currency)
	}
	if req.Amount.IntPart() < 1 {
		return models.NewValidationError("%s", mpesaErrorMessages["2"])
	}
	return nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// darajaError is the body Daraja returns on non-200 responses.
type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (g *MpesaGateway) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := g.Validate(req); err != nil {
		return nil, err
	}
	phone, _ := NormalizePhone(req.PhoneNumber)

	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := g.timestamp()
	payload := stkPushRequest{
		BusinessShortCode: g.cfg.Shortcode,
		Password:          g.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   g.cfg.TransactionType,
		Amount:            req.Amount.IntPart(),
		PartyA:            phone,
		PartyB:            g.cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       g.cfg.CallbackURL,
		AccountReference:  accountReference(req.TransactionID),
		TransactionDesc:   truncate(orDefault(req.Description, "Payment"), transactionDescMax),
	}

	resp, err := g.client.send(ctx, http.MethodPost, g.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", payload, bearer(token))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		g.tokens.Invalidate()
		return nil, models.NewRetryableError("M-Pesa rejected the access token", nil)
	}
	if resp.StatusCode != http.StatusOK {
		var derr darajaError
		_ = json.Unmarshal(resp.Body, &derr)
		log.Error().Int("status", resp.StatusCode).Str("error_code", derr.ErrorCode).Str("transaction_id", req.TransactionID).Msg("STK push rejected")
		return nil, models.NewPermanentError(orDefault(derr.ErrorMessage, fmt.Sprintf("STK push failed with status %d", resp.StatusCode)), nil)
	}

	var out stkPushResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, models.NewPermanentError("invalid STK push response", err)
	}
	if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		return nil, models.NewPermanentError(mpesaFailureReason(out.ResponseCode, out.ResponseDescription), nil)
	}

	log.Info().Str("transaction_id", req.TransactionID).Str("checkout_request_id", out.CheckoutRequestID).Msg("STK push accepted")
	return &InitiateResult{
		CorrelationID:     out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		CustomerMessage:   out.CustomerMessage,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        flexString `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	ResultCode          flexString `json:"ResultCode"`
	ResultDesc          string     `json:"ResultDesc"`
}

func (g *MpesaGateway) Verify(ctx context.Context, tx *models.Transaction) (*VerifyResult, error) {
	if tx.CorrelationID == "" {
		return nil, models.NewValidationError("transaction %s has no checkout request id", tx.ID)
	}
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := g.timestamp()
	payload := stkQueryRequest{
		BusinessShortCode: g.cfg.Shortcode,
		Password:          g.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: tx.CorrelationID,
	}
	resp, err := g.client.send(ctx, http.MethodPost, g.cfg.BaseURL+"/mpesa/stkpushquery/v1/query", payload, bearer(token))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		g.tokens.Invalidate()
		return nil, models.NewRetryableError("M-Pesa rejected the access token", nil)
	}
	if resp.StatusCode != http.StatusOK {
		// Daraja answers 500 "The transaction is being processed" until the
		// payer responds, so no status can be derived yet.
		var derr darajaError
		_ = json.Unmarshal(resp.Body, &derr)
		return nil, models.NewRetryableError(orDefault(derr.ErrorMessage, "status not yet available"), fmt.Errorf("status query returned %d", resp.StatusCode))
	}

	var out stkQueryResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, models.NewRetryableError("invalid status query response", err)
	}
	code := string(out.ResultCode)
	status := mpesaStatus(code)
	result := &VerifyResult{
		Status:      status,
		ResultCode:  code,
		Description: out.ResultDesc,
	}
	if status == models.StatusFailed || status == models.StatusCancelled {
		result.FailureReason = mpesaFailureReason(code, out.ResultDesc)
	}
	return result, nil
}

type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        *flexString `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string     `json:"Name"`
					Value flexString `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseWebhook decodes an STK callback. Daraja does not sign callbacks, so
// only the shape is checked.
func (g *MpesaGateway) ParseWebhook(ctx context.Context, body []byte, header http.Header) (*WebhookEvent, error) {
	var cb stkCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, models.NewValidationError("malformed M-Pesa callback: %v", err)
	}
	stk := cb.Body.StkCallback
	if stk.CheckoutRequestID == "" || stk.ResultCode == nil {
		return nil, models.NewValidationError("malformed M-Pesa callback: missing CheckoutRequestID or ResultCode")
	}

	code := string(*stk.ResultCode)
	event := &WebhookEvent{
		CorrelationID:     stk.CheckoutRequestID,
		MerchantRequestID: stk.MerchantRequestID,
		Status:            mpesaStatus(code),
		ResultCode:        code,
		Description:       stk.ResultDesc,
		Currency:          MpesaCurrency,
	}
	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if amount, err := decimal.NewFromString(string(item.Value)); err == nil {
				event.Amount = amount
			}
		case "MpesaReceiptNumber":
			event.ProviderReference = string(item.Value)
		case "TransactionDate":
			event.TransactionDate = string(item.Value)
		case "PhoneNumber":
			event.PhoneNumber = string(item.Value)
		}
	}
	if event.Status == models.StatusFailed || event.Status == models.StatusCancelled {
		event.FailureReason = mpesaFailureReason(code, stk.ResultDesc)
	}
	return event, nil
}

type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	ExpiresIn   flexString `json:"expires_in"`
}

func (g *MpesaGateway) fetchToken(ctx context.Context) (string, time.Duration, error) {
	basic := func(r *http.Request) { r.SetBasicAuth(g.cfg.ConsumerKey, g.cfg.ConsumerSecret) }
	resp, err := g.client.send(ctx, http.MethodGet, g.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil, basic)
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, models.NewPermanentError("M-Pesa authentication failed", fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}
	var out tokenResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.AccessToken == "" {
		return "", 0, models.NewPermanentError("M-Pesa authentication failed", err)
	}

	var lifetime time.Duration
	if secs, err := strconv.Atoi(strings.TrimSpace(string(out.ExpiresIn))); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}
	return out.AccessToken, lifetime, nil
}

func (g *MpesaGateway) timestamp() string {
	return g.now().In(eat).Format("20060102150405")
}

// password is base64(shortcode + passkey + timestamp).
func (g *MpesaGateway) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(g.cfg.Shortcode + g.cfg.Passkey + timestamp))
}

// NormalizePhone converts 07XXXXXXXX, 7XXXXXXXX, +2547XXXXXXXX and similar
// inputs to the 254XXXXXXXXX form Daraja expects.
func NormalizePhone(phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	switch {
	case strings.HasPrefix(digits, "254"):
	case strings.HasPrefix(digits, "0"):
		digits = "254" + digits[1:]
	case len(digits) == 9:
		digits = "254" + digits
	default:
		return "", models.NewValidationError("invalid phone number format: %q", phone)
	}
	if len(digits) != 12 {
		return "", models.NewValidationError("invalid phone number format: %q", phone)
	}
	return digits, nil
}

func mpesaStatus(code string) models.Status {
	if status, ok := mpesaResultStatus[code]; ok {
		return status
	}
	return models.StatusFailed
}

func mpesaFailureReason(code, desc string) string {
	if msg, ok := mpesaErrorMessages[code]; ok {
		return msg
	}
	if desc != "" {
		return desc
	}
	return fmt.Sprintf("M-Pesa error code %s", code)
}

func accountReference(transactionID string) string {
	ref := strings.ReplaceAll(transactionID, "-", "")
	return strings.ToUpper(truncate(orDefault(ref, "PAYMENT"), accountReferenceMax))
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// flexString accepts a JSON string or a bare number. Daraja mixes both for
// the same fields depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}
