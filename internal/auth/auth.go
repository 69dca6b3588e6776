// Package auth provides bearer-token authentication for the relay API.
// Tokens are opaque uuids mapped to identities in Redis with a sliding TTL:
//
//	Key:   token:<token>
//	Value: <identity>
//	TTL:   30 days, refreshed on every successful verification
//
// The relay core never sees tokens; it consumes the identity the Verifier
// yields at the request boundary.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// TokenPrefix is the Redis key prefix for token records.
	TokenPrefix = "token:"

	// TokenTTL is the sliding lifetime of an issued token.
	TokenTTL = 30 * 24 * time.Hour
)

// ErrInvalidToken is returned when a token is unknown or expired.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier authenticates a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// TokenStore issues and verifies tokens against Redis.
type TokenStore struct {
	client *redis.Client
}

// NewTokenStore creates a token store backed by the given Redis client.
func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

// Issue mints a new token for the identity.
func (s *TokenStore) Issue(ctx context.Context, identity string) (string, error) {
	token := uuid.New().String()
	if err := s.client.Set(ctx, TokenPrefix+token, identity, TokenTTL).Err(); err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}
	return token, nil
}

// Verify resolves a token to its identity and refreshes the sliding TTL.
func (s *TokenStore) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	identity, err := s.client.Get(ctx, TokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("auth: verify token: %w", err)
	}

	// Best effort: a failed refresh only means the token expires sooner.
	s.client.Expire(ctx, TokenPrefix+token, TokenTTL)

	return identity, nil
}

// Revoke deletes a token immediately.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, TokenPrefix+token).Err(); err != nil {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	return nil
}
