package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TokenStore shares access tokens between replicas. Implementations must be
// safe for concurrent use.
type TokenStore interface {
	GetToken(ctx context.Context, key string) (token string, expiresAt time.Time, found bool, err error)
	SetToken(ctx context.Context, key, token string, expiresAt time.Time) error
}

// TokenFetcher gets a new access token. A zero lifetime means the provider
// did not say, and the cache default applies.
type TokenFetcher func(ctx context.Context) (token string, lifetime time.Duration, err error)

// TokenCache holds one provider access token and refreshes it when it is
// within margin of expiry. The lock is not held while fetching, so two
// callers racing on an expired token may both fetch; the last write wins.
type TokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	// rejected skips the shared store once after the provider refused a token.
	rejected bool

	key      string
	lifetime time.Duration
	margin   time.Duration
	fetch    TokenFetcher
	store    TokenStore
	now      func() time.Time
}

func NewTokenCache(key string, lifetime, margin time.Duration, fetch TokenFetcher, store TokenStore) *TokenCache {
	return &TokenCache{
		key:      key,
		lifetime: lifetime,
		margin:   margin,
		fetch:    fetch,
		store:    store,
		now:      time.Now,
	}
}

func (c *TokenCache) Token(ctx context.Context) (string, error) {
	now := c.now()

	c.mu.Lock()
	if c.token != "" && now.Add(c.margin).Before(c.expiresAt) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	skipStore := c.rejected
	c.mu.Unlock()

	if c.store != nil && !skipStore {
		token, expiresAt, found, err := c.store.GetToken(ctx, c.key)
		if err != nil {
			log.Warn().Err(err).Str("key", c.key).Msg("Failed to read shared access token")
		} else if found && now.Add(c.margin).Before(expiresAt) {
			c.set(token, expiresAt)
			return token, nil
		}
	}

	token, lifetime, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	if lifetime <= 0 {
		lifetime = c.lifetime
	}
	expiresAt := now.Add(lifetime)
	c.set(token, expiresAt)

	if c.store != nil {
		if err := c.store.SetToken(ctx, c.key, token, expiresAt); err != nil {
			log.Warn().Err(err).Str("key", c.key).Msg("Failed to share access token")
		}
	}
	log.Debug().Str("key", c.key).Time("expires_at", expiresAt).Msg("Access token refreshed")
	return token, nil
}

// Invalidate drops the token after the provider rejected it, forcing the
// next call to fetch a fresh one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.rejected = true
	c.mu.Unlock()
}

func (c *TokenCache) set(token string, expiresAt time.Time) {
	c.mu.Lock()
	c.token = token
	c.expiresAt = expiresAt
	c.rejected = false
	c.mu.Unlock()
}
