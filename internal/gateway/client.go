package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/markjakearzadon/paybridge/internal/models"
)

const maxResponseBytes = 1 << 20

type providerResponse struct {
	StatusCode int
	Body       []byte
}

// providerClient performs one HTTP exchange per call. It never retries; a
// circuit breaker makes calls fail fast while the provider is down.
type providerClient struct {
	name    string
	http    *http.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

func newProviderClient(name string, httpClient *http.Client, timeout time.Duration) *providerClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("Provider circuit breaker changed state")
		},
	})
	return &providerClient{name: name, http: httpClient, timeout: timeout, breaker: breaker}
}

// send marshals payload (when non-nil) as JSON. Transport errors, timeouts,
// gateway-level 5xx responses and an open breaker come back as retryable
// errors; every other response is returned for the caller to interpret.
func (c *providerClient) send(ctx context.Context, method, url string, payload any, authorize func(*http.Request)) (*providerResponse, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", c.name, err)
		}
		log.Debug().Str("provider", c.name).RawJSON("body", maskSensitiveFields(body)).Str("url", url).Msg("Provider request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if authorize != nil {
			authorize(req)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		pr := &providerResponse{StatusCode: resp.StatusCode, Body: respBody}
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return pr, fmt.Errorf("provider returned status %d", resp.StatusCode)
		}
		return pr, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, models.NewRetryableError(c.name+" is temporarily unavailable", err)
		}
		return nil, models.NewRetryableError(c.name+" request failed", err)
	}

	pr := out.(*providerResponse)
	log.Debug().Str("provider", c.name).Int("status", pr.StatusCode).Msg("Provider response")
	return pr, nil
}
