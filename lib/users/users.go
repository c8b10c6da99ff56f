// Package users reads and mutates per-user snapshot quota in the relational
// store. The user row itself is owned elsewhere; this package only touches
// the two quota columns, always inside a transaction so concurrent snapshot
// operations cannot oversubscribe capacity.
package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultCapacityMB is the capacity assigned when a quota row is first
// created.
const DefaultCapacityMB = 10240

// Quota is a user's snapshot storage accounting.
type Quota struct {
	CapacityMB int64
	StoredMB   int64
}

// Free returns the remaining headroom in MB.
func (q Quota) Free() int64 { return q.CapacityMB - q.StoredMB }

var (
	// ErrQuotaExceeded is returned when a reservation would overflow capacity.
	ErrQuotaExceeded = errors.New("snapshot storage quota exceeded")

	// ErrUserNotFound is returned when no quota row exists for the user.
	ErrUserNotFound = errors.New("user quota row not found")
)

// Store accesses quota rows through a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS user_quotas (
	user_id TEXT PRIMARY KEY,
	snapshot_storage_capacity_mb BIGINT NOT NULL DEFAULT 10240,
	snapshot_stored_mb BIGINT NOT NULL DEFAULT 0,
	CHECK (snapshot_stored_mb >= 0)
)`

// NewStore connects to the database and ensures the quota table exists.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure quota schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an existing pool. The caller keeps ownership.
func NewStoreFromPool(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// EnsureUser creates a quota row with default capacity if none exists.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_quotas (user_id, snapshot_storage_capacity_mb, snapshot_stored_mb)
		 VALUES ($1, $2, 0) ON CONFLICT (user_id) DO NOTHING`,
		userID, DefaultCapacityMB)
	if err != nil {
		return fmt.Errorf("ensure quota row for %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's quota.
func (s *Store) Get(ctx context.Context, userID string) (Quota, error) {
	var q Quota
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot_storage_capacity_mb, snapshot_stored_mb FROM user_quotas WHERE user_id = $1`,
		userID).Scan(&q.CapacityMB, &q.StoredMB)
	if errors.Is(err, pgx.ErrNoRows) {
		return Quota{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return Quota{}, fmt.Errorf("read quota for %s: %w", userID, err)
	}
	return q, nil
}

// Reserve adds billMB to the user's stored total, failing with
// ErrQuotaExceeded when the result would overflow capacity. The row is locked
// for the duration of the check-and-update.
func (s *Store) Reserve(ctx context.Context, userID string, billMB int64) error {
	if billMB <= 0 {
		return fmt.Errorf("reserve for %s: non-positive amount %d", userID, billMB)
	}
	return s.withRow(ctx, userID, func(tx pgx.Tx, q Quota) error {
		if q.StoredMB+billMB > q.CapacityMB {
			return fmt.Errorf("%w: stored %d MB + %d MB > capacity %d MB",
				ErrQuotaExceeded, q.StoredMB, billMB, q.CapacityMB)
		}
		_, err := tx.Exec(ctx,
			`UPDATE user_quotas SET snapshot_stored_mb = snapshot_stored_mb + $2 WHERE user_id = $1`,
			userID, billMB)
		return err
	})
}

// Release subtracts freedMB from the user's stored total, flooring at zero.
// Freeing more than is stored is not an error; accounting drift must never
// block snapshot removal.
func (s *Store) Release(ctx context.Context, userID string, freedMB int64) error {
	if freedMB <= 0 {
		return nil
	}
	return s.withRow(ctx, userID, func(tx pgx.Tx, _ Quota) error {
		_, err := tx.Exec(ctx,
			`UPDATE user_quotas SET snapshot_stored_mb = GREATEST(snapshot_stored_mb - $2, 0) WHERE user_id = $1`,
			userID, freedMB)
		return err
	})
}

func (s *Store) withRow(ctx context.Context, userID string, fn func(tx pgx.Tx, q Quota) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin quota tx for %s: %w", userID, err)
	}
	defer tx.Rollback(ctx)

	var q Quota
	err = tx.QueryRow(ctx,
		`SELECT snapshot_storage_capacity_mb, snapshot_stored_mb FROM user_quotas WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&q.CapacityMB, &q.StoredMB)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return fmt.Errorf("lock quota row for %s: %w", userID, err)
	}

	if err := fn(tx, q); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit quota tx for %s: %w", userID, err)
	}
	return nil
}
