package store

import (
	"context"
	"fmt"
)

// AppendTranscriptionLog writes one accounting record for a finished job.
// Called exactly once per completed job, after delivery.
func (s *Store) AppendTranscriptionLog(ctx context.Context, userID int64, minutesBilled, charCount int, outcome string) error {
	const q = `
		INSERT INTO transcription_logs (user_id, minutes_billed, char_count, outcome)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.Exec(ctx, q, userID, minutesBilled, charCount, outcome); err != nil {
		return fmt.Errorf("store: append transcription log: %w", err)
	}
	return nil
}

// AppendPaymentLog records one successful purchase.
func (s *Store) AppendPaymentLog(ctx context.Context, userID int64, minutes, amount int, currency, payload string) error {
	const q = `
		INSERT INTO payment_logs (user_id, minutes, amount, currency, payload)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.Exec(ctx, q, userID, minutes, amount, currency, payload); err != nil {
		return fmt.Errorf("store: append payment log: %w", err)
	}
	return nil
}

// CreateTrialRequest records the first-contact trial grant. It fails with
// [ErrAlreadyExists] when the user already received one.
func (s *Store) CreateTrialRequest(ctx context.Context, userID int64, grantedMinutes int) error {
	const q = `
		INSERT INTO trial_requests (user_id, granted_minutes)
		VALUES ($1, $2)`

	_, err := s.db.Exec(ctx, q, userID, grantedMinutes)
	if isUniqueViolation(err) {
		return fmt.Errorf("store: trial request for %d: %w", userID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("store: create trial request: %w", err)
	}
	return nil
}
