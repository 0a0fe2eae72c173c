// Package cache shares short-lived provider state between instances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "paybridge:token:"

type cachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenStore keeps provider access tokens in Redis so every replica reuses
// the same token until it expires.
type TokenStore struct {
	client *redis.Client
}

func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (s *TokenStore) GetToken(ctx context.Context, key string) (string, time.Time, bool, error) {
	val, err := s.client.Get(ctx, tokenKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to get token: %w", err)
	}

	var tok cachedToken
	if err := json.Unmarshal([]byte(val), &tok); err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}
	return tok.Token, tok.ExpiresAt, true, nil
}

// SetToken stores token until expiresAt. Already expired tokens are ignored.
func (s *TokenStore) SetToken(ctx context.Context, key, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	bytes, err := json.Marshal(cachedToken{Token: token, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	return s.client.Set(ctx, tokenKeyPrefix+key, bytes, ttl).Err()
}
