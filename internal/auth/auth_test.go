package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore connects to a local Redis instance. Tests using this helper
// require Redis on localhost:6379.
func newTestStore(t *testing.T) *TokenStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewTokenStore(client)
}

func TestIssueAndVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, err := store.Issue(ctx, "test_alice")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	t.Cleanup(func() { store.Revoke(ctx, token) })

	identity, err := store.Verify(ctx, token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if identity != "test_alice" {
		t.Errorf("expected identity %q, got %q", "test_alice", identity)
	}
}

func TestVerifyUnknownToken(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Verify(context.Background(), "not-a-token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyEmptyToken(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Verify(context.Background(), "")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, err := store.Issue(ctx, "test_alice")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if err := store.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	if _, err := store.Verify(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken after revoke, got %v", err)
	}
}
