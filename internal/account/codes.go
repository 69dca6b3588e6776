package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// CodePrefix is the Redis key prefix for pair codes.
	CodePrefix = "paircode:"

	// CodeTTL is how long a minted pair code stays redeemable.
	CodeTTL = 10 * time.Minute
)

// CodeStore manages one-time pair codes in Redis. A code maps to the
// identity that minted it and disappears on redemption or expiry.
type CodeStore struct {
	client *redis.Client
}

// NewCodeStore creates a pair-code store backed by the given Redis client.
func NewCodeStore(client *redis.Client) *CodeStore {
	return &CodeStore{client: client}
}

// Mint creates a fresh pair code owned by the given identity. The code is
// the first segment of a uuid, short enough to read out loud.
func (s *CodeStore) Mint(ctx context.Context, identity string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		code := strings.SplitN(uuid.New().String(), "-", 2)[0]

		ok, err := s.client.SetNX(ctx, CodePrefix+code, identity, CodeTTL).Result()
		if err != nil {
			return "", fmt.Errorf("account: mint code: %w", err)
		}
		if ok {
			return code, nil
		}
		// Collision on the short code; retry with a new one.
	}
	return "", fmt.Errorf("account: mint code: could not find a free code")
}

// Redeem consumes a pair code and returns the identity that minted it.
// Redemption is atomic: a code can be redeemed exactly once.
func (s *CodeStore) Redeem(ctx context.Context, code string) (string, error) {
	identity, err := s.client.GetDel(ctx, CodePrefix+code).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCodeInvalid
	}
	if err != nil {
		return "", fmt.Errorf("account: redeem code: %w", err)
	}
	return identity, nil
}
