package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markjakearzadon/paybridge/internal/gateway"
	"github.com/markjakearzadon/paybridge/internal/models"
)

// newDarajaServer fakes the three Daraja endpoints the gateway uses and
// records the last STK push body.
func newDarajaServer(t *testing.T, stkPush *map[string]any, stkCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(stkCalls, 1)
		if err := json.NewDecoder(r.Body).Decode(stkPush); err != nil {
			t.Errorf("decode STK push: %v", err)
		}
		w.Write([]byte(`{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestMpesa(srv *httptest.Server) *gateway.MpesaGateway {
	return gateway.NewMpesaGateway(gateway.MpesaConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Shortcode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/api/callbacks/mpesa",
		Timeout:        5 * time.Second,
	}, srv.Client(), nil)
}

func TestInitiateMpesaConvertsToKES(t *testing.T) {
	var stkPush map[string]any
	var stkCalls int32
	srv := newDarajaServer(t, &stkPush, &stkCalls)
	h := newHarness(t, newTestMpesa(srv))
	ctx := context.Background()

	tx, err := h.payments.Initiate(ctx, CreatePaymentRequest{
		UserID:      "u1",
		PhoneNumber: "0712345678",
		Purpose:     "Dues",
		Amount:      d("10"),
		Currency:    "USD",
		Method:      "mpesa",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if atomic.LoadInt32(&stkCalls) != 1 {
		t.Fatalf("STK push called %d times, want 1", stkCalls)
	}
	if got := stkPush["Amount"]; got != float64(1475) {
		t.Errorf("STK amount = %v, want 1475", got)
	}
	if got := stkPush["PhoneNumber"]; got != "254712345678" {
		t.Errorf("STK phone = %v", got)
	}
	if tx.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", tx.Status)
	}
	if !tx.Amount.Equal(d("10")) || tx.Currency != "USD" {
		t.Errorf("stored amount = %s %s, want 10 USD", tx.Amount, tx.Currency)
	}
	if tx.CorrelationID != "ws_CO_191220191020363925" || tx.MerchantRequestID != "29115-34620561-1" {
		t.Errorf("unexpected initiation ids %q %q", tx.CorrelationID, tx.MerchantRequestID)
	}

	found, err := h.store.FindByCorrelation(ctx, models.MethodMpesa, tx.CorrelationID)
	if err != nil || found.ID != tx.ID {
		t.Fatalf("FindByCorrelation = %v, %v", found, err)
	}
}

func TestInitiateBelowMinimumCreatesNothing(t *testing.T) {
	gw := &mockGateway{method: models.MethodFlutterwave}
	h := newHarness(t, gw)

	_, err := h.payments.Initiate(context.Background(), CreatePaymentRequest{
		UserID:   "u1",
		Email:    "payer@example.com",
		Amount:   d("50"),
		Currency: "KES",
		Method:   "flutterwave",
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "below the minimum") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if gw.initiateCalls != 0 {
		t.Errorf("provider called %d times", gw.initiateCalls)
	}
	txs, _ := h.store.ListByUser(context.Background(), "u1")
	if len(txs) != 0 {
		t.Errorf("stored %d transactions, want 0", len(txs))
	}
}

func TestInitiateValidation(t *testing.T) {
	gw := &mockGateway{
		method: models.MethodFlutterwave,
		ValidateFunc: func(req gateway.InitiateRequest) error {
			if req.Email == "" {
				return models.NewValidationError("email is required")
			}
			return nil
		},
	}
	h := newHarness(t, gw)

	tests := []struct {
		name string
		req  CreatePaymentRequest
	}{
		{"missing user", CreatePaymentRequest{Amount: d("10"), Method: "flutterwave", Email: "a@b.c"}},
		{"unknown method", CreatePaymentRequest{UserID: "u1", Amount: d("10"), Method: "bitcoin", Email: "a@b.c"}},
		{"no gateway for method", CreatePaymentRequest{UserID: "u1", Amount: d("10"), Method: "paypal", Email: "a@b.c"}},
		{"zero amount", CreatePaymentRequest{UserID: "u1", Amount: d("0"), Method: "flutterwave", Email: "a@b.c"}},
		{"unsupported currency", CreatePaymentRequest{UserID: "u1", Amount: d("10"), Currency: "XAF", Method: "flutterwave", Email: "a@b.c"}},
		{"above maximum", CreatePaymentRequest{UserID: "u1", Amount: d("20000"), Method: "flutterwave", Email: "a@b.c"}},
		{"gateway validation", CreatePaymentRequest{UserID: "u1", Amount: d("10"), Method: "flutterwave"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.payments.Initiate(context.Background(), tt.req); !errors.Is(err, models.ErrValidation) {
				t.Fatalf("want validation error, got %v", err)
			}
		})
	}
	if gw.initiateCalls != 0 {
		t.Errorf("provider called %d times", gw.initiateCalls)
	}
}

func TestInitiateCardKeepsDisplayCurrency(t *testing.T) {
	var sent gateway.InitiateRequest
	gw := &mockGateway{
		method: models.MethodFlutterwave,
		InitiateFunc: func(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
			sent = req
			return &gateway.InitiateResult{CorrelationID: req.TransactionID, CheckoutURL: "https://checkout.example/pay/1"}, nil
		},
	}
	h := newHarness(t, gw)

	tx, err := h.payments.Initiate(context.Background(), CreatePaymentRequest{
		TransactionID: "tx-eur",
		UserID:        "u1",
		Email:         "payer@example.com",
		Amount:        d("17"),
		Currency:      "eur",
		Method:        "Flutterwave",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if sent.Currency != "EUR" || !sent.Amount.Equal(d("17")) {
		t.Errorf("provider charged %s %s, want 17 EUR", sent.Amount, sent.Currency)
	}
	if !tx.Amount.Equal(d("20")) || tx.DisplayCurrency != "EUR" || !tx.DisplayAmount.Equal(d("17")) {
		t.Errorf("stored %s %s / display %s %s", tx.Amount, tx.Currency, tx.DisplayAmount, tx.DisplayCurrency)
	}
	if !tx.ConversionRate.Equal(d("0.85")) {
		t.Errorf("rate = %s", tx.ConversionRate)
	}
	if tx.CheckoutURL != "https://checkout.example/pay/1" || tx.CorrelationID != "tx-eur" {
		t.Errorf("unexpected initiation %+v", tx)
	}
}

func TestInitiateProviderFailureMarksFailed(t *testing.T) {
	gw := &mockGateway{
		method: models.MethodFlutterwave,
		InitiateFunc: func(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
			return nil, models.NewPermanentError("card declined by issuer", nil)
		},
	}
	h := newHarness(t, gw)

	tx, err := h.payments.Initiate(context.Background(), CreatePaymentRequest{
		TransactionID: "tx-1", UserID: "u1", Email: "a@b.c", Amount: d("10"), Method: "flutterwave",
	})
	if !errors.Is(err, models.ErrPermanent) {
		t.Fatalf("want permanent error, got %v", err)
	}
	if tx == nil || tx.Status != models.StatusFailed || tx.FailureReason != "card declined by issuer" {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if h.syncer.recorded() != 0 {
		t.Error("failed initiation must not sync downstream")
	}
}

func TestInitiateDuplicateIsIdempotent(t *testing.T) {
	gw := &mockGateway{method: models.MethodFlutterwave}
	h := newHarness(t, gw)
	ctx := context.Background()
	req := CreatePaymentRequest{TransactionID: "tx-dup", UserID: "u1", Email: "a@b.c", Amount: d("10"), Method: "flutterwave"}

	first, err := h.payments.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	second, err := h.payments.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("duplicate Initiate: %v", err)
	}
	if second.ID != first.ID || second.CorrelationID != first.CorrelationID {
		t.Errorf("duplicate returned %+v, want %+v", second, first)
	}
	if gw.initiateCalls != 1 {
		t.Errorf("provider called %d times, want 1", gw.initiateCalls)
	}

	req.Amount = d("25")
	if _, err := h.payments.Initiate(ctx, req); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("reused id with different amount: want validation error, got %v", err)
	}
}

func TestResubmit(t *testing.T) {
	fail := true
	gw := &mockGateway{
		method: models.MethodFlutterwave,
		InitiateFunc: func(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
			if fail {
				return nil, models.NewRetryableError("flutterwave unavailable", nil)
			}
			return &gateway.InitiateResult{CorrelationID: req.TransactionID}, nil
		},
	}
	h := newHarness(t, gw)
	ctx := context.Background()

	orig, err := h.payments.Initiate(ctx, CreatePaymentRequest{
		TransactionID: "tx-r", UserID: "u1", Email: "a@b.c", Amount: d("10"), Method: "flutterwave",
	})
	if !errors.Is(err, models.ErrRetryable) {
		t.Fatalf("want retryable error, got %v", err)
	}
	if !h.payments.CanRetry(orig) {
		t.Fatal("failed transaction should be retryable")
	}

	fail = false
	retry, err := h.payments.Resubmit(ctx, orig.ID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if retry.ID != "tx-r-r1" || retry.RetryOf != "tx-r" || retry.RetryCount != 1 || retry.Status != models.StatusPending {
		t.Errorf("unexpected retry %+v", retry)
	}

	again, err := h.payments.Resubmit(ctx, orig.ID)
	if err != nil || again.ID != retry.ID {
		t.Errorf("second Resubmit = %v, %v; want the same attempt", again, err)
	}
	if gw.initiateCalls != 2 {
		t.Errorf("provider called %d times, want 2", gw.initiateCalls)
	}

	if _, err := h.payments.Resubmit(ctx, retry.ID); !errors.Is(err, models.ErrValidation) {
		t.Errorf("resubmitting a pending transaction: want validation error, got %v", err)
	}
	if _, err := h.payments.Resubmit(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("want not found, got %v", err)
	}
}

func TestResubmitRetryLimit(t *testing.T) {
	gw := &mockGateway{
		method: models.MethodFlutterwave,
		InitiateFunc: func(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
			return nil, models.NewPermanentError("declined", nil)
		},
	}
	h := newHarness(t, gw)
	ctx := context.Background()

	tx, _ := h.payments.Initiate(ctx, CreatePaymentRequest{
		TransactionID: "tx-l", UserID: "u1", Email: "a@b.c", Amount: d("10"), Method: "flutterwave",
	})
	for i := 1; i <= 3; i++ {
		next, err := h.payments.Resubmit(ctx, tx.ID)
		if !errors.Is(err, models.ErrPermanent) {
			t.Fatalf("attempt %d: want permanent error, got %v", i, err)
		}
		if next.RetryCount != i || next.RetryOf != "tx-l" {
			t.Fatalf("attempt %d: unexpected %+v", i, next)
		}
		tx = next
	}
	if h.payments.CanRetry(tx) {
		t.Error("CanRetry should be false at the limit")
	}
	if _, err := h.payments.Resubmit(ctx, tx.ID); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("want validation error at the limit, got %v", err)
	}
}

func TestListByUser(t *testing.T) {
	h := newHarness(t, &mockGateway{method: models.MethodFlutterwave})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := h.payments.Initiate(ctx, CreatePaymentRequest{TransactionID: id, UserID: "u1", Email: "a@b.c", Amount: d("10"), Method: "flutterwave"}); err != nil {
			t.Fatalf("Initiate: %v", err)
		}
	}
	txs, err := h.payments.ListByUser(ctx, "u1")
	if err != nil || len(txs) != 2 {
		t.Fatalf("ListByUser = %d, %v", len(txs), err)
	}
	if _, err := h.payments.ListByUser(ctx, " "); !errors.Is(err, models.ErrValidation) {
		t.Errorf("want validation error, got %v", err)
	}
}

func TestInitiateSurvivesCallerDisconnect(t *testing.T) {
	gw := &mockGateway{
		method: models.MethodMpesa,
		InitiateFunc: func(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
			if err := ctx.Err(); err != nil {
				return nil, models.NewRetryableError("provider unavailable", err)
			}
			return &gateway.InitiateResult{CorrelationID: "ws_CO_gone"}, nil
		},
	}
	h := newHarness(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx, err := h.payments.Initiate(ctx, CreatePaymentRequest{
		TransactionID: "tx-gone", UserID: "u1", PhoneNumber: "0712345678", Amount: d("10"), Method: "mpesa",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if tx.Status != models.StatusPending || tx.CorrelationID != "ws_CO_gone" {
		t.Fatalf("unexpected transaction %+v", tx)
	}

	found, err := h.store.FindByCorrelation(context.Background(), models.MethodMpesa, "ws_CO_gone")
	if err != nil || found.ID != "tx-gone" {
		t.Fatalf("FindByCorrelation = %+v, %v", found, err)
	}
}
