package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/paybridge/internal/models"
)

const testWebhookSecret = "whsec-test"

func newTestFlutterwave(t *testing.T, handler http.HandlerFunc) *FlutterwaveGateway {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFlutterwaveGateway(FlutterwaveConfig{
		BaseURL:       srv.URL,
		SecretKey:     "FLWSECK_TEST",
		WebhookSecret: testWebhookSecret,
		RedirectURL:   "https://example.com/payments/complete",
		Timeout:       5 * time.Second,
	}, srv.Client())
}

func signedHeader(t *testing.T, body []byte) http.Header {
	t.Helper()
	sig, err := Sign(testWebhookSecret, body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	h := http.Header{}
	h.Set(SignatureHeader, sig)
	return h
}

func TestFlutterwaveInitiate(t *testing.T) {
	var sent flwPaymentRequest
	g := newTestFlutterwave(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer FLWSECK_TEST" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&sent)
		w.Write([]byte(`{"status":"success","message":"Hosted Link","data":{"link":"https://checkout.example/pay/abc"}}`))
	})

	res, err := g.Initiate(context.Background(), InitiateRequest{
		TransactionID: "tx-42",
		Amount:        decimal.RequireFromString("8.5"),
		Currency:      "eur",
		Email:         "jane@example.com",
		Name:          "Jane",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.CorrelationID != "tx-42" || res.CheckoutURL != "https://checkout.example/pay/abc" {
		t.Errorf("unexpected result %+v", res)
	}
	if sent.TxRef != "tx-42" || sent.Amount != "8.50" || sent.Currency != "EUR" || sent.Customer.Email != "jane@example.com" {
		t.Errorf("unexpected request %+v", sent)
	}
}

func TestFlutterwaveInitiateRejected(t *testing.T) {
	g := newTestFlutterwave(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","message":"Invalid currency provided","data":null}`))
	})
	_, err := g.Initiate(context.Background(), InitiateRequest{
		TransactionID: "tx-1",
		Amount:        decimal.NewFromInt(10),
		Currency:      "XYZ",
		Email:         "jane@example.com",
	})
	if !errors.Is(err, models.ErrPermanent) || models.Reason(err) != "Invalid currency provided" {
		t.Fatalf("want permanent error with provider message, got %v", err)
	}
}

func TestFlutterwaveValidate(t *testing.T) {
	g := newTestFlutterwave(t, nil)
	if err := g.Validate(InitiateRequest{Amount: decimal.NewFromInt(1), Currency: "USD"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("missing email: got %v", err)
	}
	if err := g.Validate(InitiateRequest{Amount: decimal.Zero, Currency: "USD", Email: "a@b.c"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("zero amount: got %v", err)
	}
	if err := g.Validate(InitiateRequest{Amount: decimal.NewFromInt(1), Currency: "USD", Email: "a@b.c"}); err != nil {
		t.Errorf("valid request: got %v", err)
	}
}

func TestFlutterwaveVerify(t *testing.T) {
	g := newTestFlutterwave(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tx_ref") != "tx-9" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"status":"error","message":"No transaction was found for this id"}`))
			return
		}
		w.Write([]byte(`{"status":"success","data":{"id":1,"tx_ref":"tx-9","flw_ref":"FLW-MOCK-1","status":"successful","amount":8.5,"currency":"EUR"}}`))
	})

	res, err := g.Verify(context.Background(), &models.Transaction{ID: "tx-9", CorrelationID: "tx-9"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Status != models.StatusCompleted || res.ProviderReference != "FLW-MOCK-1" {
		t.Errorf("unexpected result %+v", res)
	}

	_, err = g.Verify(context.Background(), &models.Transaction{ID: "tx-0", CorrelationID: "tx-0"})
	if !errors.Is(err, models.ErrRetryable) {
		t.Errorf("unknown reference: want retryable, got %v", err)
	}
}

func TestFlutterwaveParseWebhook(t *testing.T) {
	g := newTestFlutterwave(t, nil)
	body := []byte(`{"event":"charge.completed","data":{"id":285959875,"tx_ref":"tx-42","flw_ref":"FLW-MOCK-42","amount":8.5,"currency":"EUR","status":"successful","customer":{"email":"jane@example.com","phone_number":"0712345678"}}}`)

	ev, err := g.ParseWebhook(context.Background(), body, signedHeader(t, body))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.CorrelationID != "tx-42" || ev.Status != models.StatusCompleted || ev.ProviderReference != "FLW-MOCK-42" {
		t.Errorf("unexpected event %+v", ev)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("8.5")) || ev.Email != "jane@example.com" {
		t.Errorf("unexpected event details %+v", ev)
	}
}

func TestFlutterwaveSignatureIgnoresWhitespace(t *testing.T) {
	g := newTestFlutterwave(t, nil)
	compact := []byte(`{"event":"charge.completed","data":{"tx_ref":"tx-1","status":"failed"}}`)
	pretty := []byte("{\n  \"event\": \"charge.completed\",\n  \"data\": {\"tx_ref\": \"tx-1\", \"status\": \"failed\"}\n}")

	ev, err := g.ParseWebhook(context.Background(), pretty, signedHeader(t, compact))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Status != models.StatusFailed || ev.FailureReason == "" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestFlutterwaveRejectsBadSignatures(t *testing.T) {
	g := newTestFlutterwave(t, nil)
	body := []byte(`{"event":"charge.completed","data":{"tx_ref":"tx-42","status":"successful"}}`)
	tampered := []byte(`{"event":"charge.completed","data":{"tx_ref":"tx-43","status":"successful"}}`)

	bad := http.Header{}
	bad.Set(SignatureHeader, "deadbeef")

	tests := []struct {
		name   string
		body   []byte
		header http.Header
	}{
		{"missing header", body, http.Header{}},
		{"wrong signature", body, bad},
		{"tampered body", tampered, signedHeader(t, body)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.ParseWebhook(context.Background(), tt.body, tt.header); !errors.Is(err, models.ErrAuthenticity) {
				t.Fatalf("want authenticity error, got %v", err)
			}
		})
	}

	unconfigured := NewFlutterwaveGateway(FlutterwaveConfig{}, nil)
	if _, err := unconfigured.ParseWebhook(context.Background(), body, signedHeader(t, body)); !errors.Is(err, models.ErrAuthenticity) {
		t.Fatalf("missing secret: want authenticity error, got %v", err)
	}
}

func TestMapFlutterwaveStatus(t *testing.T) {
	tests := map[string]models.Status{
		"successful": models.StatusCompleted,
		"Completed":  models.StatusCompleted,
		"pending":    models.StatusProcessing,
		"failed":     models.StatusFailed,
		"abandoned":  models.StatusCancelled,
		"cancelled":  models.StatusCancelled,
		"reversed":   models.StatusFailed,
		"":           models.StatusFailed,
	}
	for in, want := range tests {
		if got := mapFlutterwaveStatus(in); got != want {
			t.Errorf("mapFlutterwaveStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
