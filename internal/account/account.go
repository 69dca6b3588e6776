// Package account manages peer accounts and the symmetric pairing between
// exactly two of them. Accounts are durable rows in PostgreSQL; the pairing
// is a partner pointer set at most once per account and always mutually
// consistent. Short-lived pair codes used by the linking flow live in Redis.
package account

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("account: not found")

	// ErrSelfLink is returned when an account attempts to pair with itself.
	ErrSelfLink = errors.New("account: cannot pair with self")

	// ErrAlreadyPaired is returned when either side of a link already has
	// a partner. Pairing is set at most once and never overwritten.
	ErrAlreadyPaired = errors.New("account: already paired")

	// ErrCodeInvalid is returned when a pair code is unknown or expired.
	ErrCodeInvalid = errors.New("account: invalid or expired pair code")
)

// Account is one peer's durable record.
type Account struct {
	ID               string
	PartnerID        string // empty while unpaired
	PushSubscription bool   // whether a push subscription is registered
	CreatedAt        time.Time
}

// Directory is the read surface the relay consumes: resolve an identity to
// its linked partner. Mutation of the pairing belongs to the Store.
type Directory interface {
	// PartnerOf returns the partner identity, or "" when the account is
	// unpaired. Returns ErrNotFound when the account does not exist.
	PartnerOf(ctx context.Context, identity string) (string, error)
}
