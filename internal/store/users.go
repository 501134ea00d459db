package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// User is one account of the service. Balance is whole minutes of audio.
type User struct {
	ID        int64
	Username  string
	FirstName string
	Balance   int
	IsAdmin   bool
	CreatedAt time.Time
}

// balanceCASRetries is the number of compare-and-set attempts before the
// adjustment is reported as conflicting.
const balanceCASRetries = 3

// CreateUser inserts a new user. It fails with [ErrAlreadyExists] when the id
// is taken.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	const q = `
		INSERT INTO users (id, username, first_name, balance, is_admin)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.Exec(ctx, q, u.ID, u.Username, u.FirstName, u.Balance, u.IsAdmin)
	if isUniqueViolation(err) {
		return fmt.Errorf("store: create user %d: %w", u.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("store: create user %d: %w", u.ID, err)
	}
	return nil
}

// GetUser fetches one user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	const q = `
		SELECT id, username, first_name, balance, is_admin, created_at
		FROM   users
		WHERE  id = $1`

	var u User
	err := s.db.QueryRow(ctx, q, id).Scan(
		&u.ID, &u.Username, &u.FirstName, &u.Balance, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %d: %w", id, err)
	}
	return &u, nil
}

// CountUsers returns the total number of users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

// GetAllUsers returns up to limit users ordered by creation time. Used by
// admin tooling; no pagination beyond the bound.
func (s *Store) GetAllUsers(ctx context.Context, limit int) ([]User, error) {
	const q = `
		SELECT id, username, first_name, balance, is_admin, created_at
		FROM   users
		ORDER  BY created_at
		LIMIT  $1`

	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get all users: %w", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		var u User
		err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.Balance, &u.IsAdmin, &u.CreatedAt)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: get all users: %w", err)
	}
	return users, nil
}

// AdjustBalance applies delta (negative for a debit) to the user's balance
// with optimistic concurrency: the update only succeeds if the balance still
// equals the observed value, and the read-update pair is retried with linear
// backoff on conflict. The new balance never goes below zero.
//
// A missing user row passes as a no-op: the first-credit path may race with
// user creation and must not fail the pipeline.
func (s *Store) AdjustBalance(ctx context.Context, userID int64, delta int) (int, error) {
	const read = `SELECT balance FROM users WHERE id = $1`
	const cas = `UPDATE users SET balance = $1 WHERE id = $2 AND balance = $3`

	for attempt := 1; attempt <= balanceCASRetries; attempt++ {
		var observed int
		err := s.db.QueryRow(ctx, read, userID).Scan(&observed)
		if errors.Is(err, pgx.ErrNoRows) {
			slog.Warn("store: balance adjust on missing user, passing",
				"user_id", userID, "delta", delta)
			return max(0, delta), nil
		}
		if err != nil {
			return 0, fmt.Errorf("store: read balance of %d: %w", userID, err)
		}

		updated := max(0, observed+delta)
		tag, err := s.db.Exec(ctx, cas, updated, userID, observed)
		if err != nil {
			return 0, fmt.Errorf("store: update balance of %d: %w", userID, err)
		}
		if tag.RowsAffected() == 1 {
			return updated, nil
		}

		if attempt < balanceCASRetries {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * s.casBackoff):
			}
		}
	}
	return 0, fmt.Errorf("store: adjust balance of %d by %d: %w", userID, delta, ErrBalanceConflict)
}
