package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store manages accounts and pairings in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates an account store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create mints a fresh identity and inserts its account row.
func (s *Store) Create(ctx context.Context) (string, error) {
	id := uuid.New().String()

	const query = `INSERT INTO accounts (id) VALUES ($1)`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return "", fmt.Errorf("account: create: %w", err)
	}
	return id, nil
}

// Get retrieves an account. Returns ErrNotFound if no row exists.
func (s *Store) Get(ctx context.Context, identity string) (*Account, error) {
	const query = `
		SELECT id, COALESCE(partner_id::text, ''), push_subscription IS NOT NULL, created_at
		FROM accounts
		WHERE id = $1`

	var acct Account
	err := s.db.QueryRowContext(ctx, query, identity).Scan(
		&acct.ID, &acct.PartnerID, &acct.PushSubscription, &acct.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account: get: %w", err)
	}
	return &acct, nil
}

// PartnerOf returns the identity's linked partner, or "" when unpaired.
func (s *Store) PartnerOf(ctx context.Context, identity string) (string, error) {
	const query = `SELECT COALESCE(partner_id::text, '') FROM accounts WHERE id = $1`

	var partner string
	err := s.db.QueryRowContext(ctx, query, identity).Scan(&partner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("account: partner of: %w", err)
	}
	return partner, nil
}

// SetPushSubscription stores the opaque push subscription payload for an
// account. The relay only ever checks its presence.
func (s *Store) SetPushSubscription(ctx context.Context, identity string, subscription string) error {
	const query = `UPDATE accounts SET push_subscription = $2 WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, identity, subscription)
	if err != nil {
		return fmt.Errorf("account: set push subscription: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Link pairs two accounts symmetrically in one transaction. Both rows are
// locked, both must exist and be unpaired, and both partner pointers are set
// together so that partner_of(a)=b implies partner_of(b)=a at all times.
func (s *Store) Link(ctx context.Context, a, b string) error {
	if a == b {
		return ErrSelfLink
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("account: link begin: %w", err)
	}
	defer tx.Rollback()

	// Lock both rows in a stable order to avoid deadlocks between
	// concurrent link attempts.
	const lockQuery = `
		SELECT id, COALESCE(partner_id::text, '')
		FROM accounts
		WHERE id = ANY($1::uuid[])
		ORDER BY id
		FOR UPDATE`

	rows, err := tx.QueryContext(ctx, lockQuery, pq.Array([]string{a, b}))
	if err != nil {
		return fmt.Errorf("account: link lock: %w", err)
	}

	found := 0
	for rows.Next() {
		var id, partner string
		if err := rows.Scan(&id, &partner); err != nil {
			rows.Close()
			return fmt.Errorf("account: link scan: %w", err)
		}
		found++
		if partner != "" {
			rows.Close()
			return ErrAlreadyPaired
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("account: link rows: %w", err)
	}
	if found != 2 {
		return ErrNotFound
	}

	const updateQuery = `
		UPDATE accounts SET partner_id = CASE id
			WHEN $1::uuid THEN $2::uuid
			WHEN $2::uuid THEN $1::uuid
		END
		WHERE id IN ($1::uuid, $2::uuid)`

	if _, err := tx.ExecContext(ctx, updateQuery, a, b); err != nil {
		return fmt.Errorf("account: link update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("account: link commit: %w", err)
	}
	return nil
}
