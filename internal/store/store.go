// Package store is the PostgreSQL persistence layer: users with minute
// balances and settings, audio jobs, and the append-only accounting tables.
//
// All operations are safe for concurrent use. The only non-trivial write is
// the optimistic balance adjustment, which retries a compare-and-set update
// with linear backoff.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Contract errors.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned by create operations when the row exists.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrBalanceConflict is returned when the balance compare-and-set lost
	// the race on every retry.
	ErrBalanceConflict = errors.New("store: balance update conflict")
)

// db is the subset of [pgxpool.Pool] the store uses; tests substitute a fake.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the central PostgreSQL-backed state store.
type Store struct {
	db         db
	pool       *pgxpool.Pool
	casBackoff time.Duration
}

// Option is a functional option for Store.
type Option func(*Store)

// WithCASBackoff overrides the base backoff of the balance compare-and-set
// retry loop. Test use mostly.
func WithCASBackoff(d time.Duration) Option {
	return func(s *Store) { s.casBackoff = d }
}

// New connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{db: pool, pool: pool, casBackoff: 100 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// newWithDB wires a Store over a fake database. Test use only.
func newWithDB(d db, opts ...Option) *Store {
	s := &Store{db: d, casBackoff: 100 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies database connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// isUniqueViolation reports whether err is a primary-key or unique-index
// conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
