package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresencePrefix is the Redis key prefix for presence hashes.
const PresencePrefix = "presence:"

// Store persists presence records as Redis hashes, one per identity. Every
// write is a single upsert; Redis serializes them, so no further locking is
// needed on this path.
type Store struct {
	client *redis.Client
}

// NewStore creates a presence store backed by the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Touch records activity: last_active moves to now and the sticky online
// flag is set. Idempotent.
func (s *Store) Touch(ctx context.Context, identity string) error {
	key := PresencePrefix + identity
	err := s.client.HSet(ctx, key,
		"id", identity,
		"last_active", time.Now().Unix(),
		"is_online", true,
	).Err()
	if err != nil {
		return fmt.Errorf("presence: touch: %w", err)
	}
	return nil
}

// SetOffline clears the sticky online flag. last_active is left untouched so
// "last seen" remains meaningful after logout.
func (s *Store) SetOffline(ctx context.Context, identity string) error {
	key := PresencePrefix + identity
	err := s.client.HSet(ctx, key,
		"id", identity,
		"is_online", false,
	).Err()
	if err != nil {
		return fmt.Errorf("presence: set offline: %w", err)
	}
	return nil
}

// SetTyping sets or clears the sticky typing flag. The typing timestamp is
// refreshed only when typing starts; clearing zeroes it.
func (s *Store) SetTyping(ctx context.Context, identity string, typing bool) error {
	key := PresencePrefix + identity
	typingAt := int64(0)
	if typing {
		typingAt = time.Now().UnixMilli()
	}
	err := s.client.HSet(ctx, key,
		"id", identity,
		"is_typing", typing,
		"typing_at", typingAt,
	).Err()
	if err != nil {
		return fmt.Errorf("presence: set typing: %w", err)
	}
	return nil
}

// Get retrieves the presence record for an identity. Returns nil if no
// record exists.
func (s *Store) Get(ctx context.Context, identity string) (*Record, error) {
	key := PresencePrefix + identity
	var rec Record
	if err := s.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return nil, fmt.Errorf("presence: get: %w", err)
	}
	if rec.ID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}
