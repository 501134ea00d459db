package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LongTextMode selects how over-length results are delivered.
type LongTextMode string

const (
	LongTextSplit LongTextMode = "split"
	LongTextFile  LongTextMode = "file"
)

// Settings are the per-user formatting and delivery preferences.
type Settings struct {
	UserID             int64
	CodeTags           bool
	PreserveDiacriticE bool
	LongTextMode       LongTextMode
	SpeakerLabels      bool
	DebugMode          bool

	// LLMBackend overrides the formatter provider ("" = service default).
	LLMBackend string
}

// DefaultSettings returns the settings of a user without a stored row.
func DefaultSettings(userID int64) Settings {
	return Settings{UserID: userID, LongTextMode: LongTextSplit}
}

// GetSettings fetches the user's settings, falling back to defaults when no
// row exists.
func (s *Store) GetSettings(ctx context.Context, userID int64) (Settings, error) {
	const q = `
		SELECT user_id, code_tags, preserve_diacritic_e, long_text_mode,
		       speaker_labels, debug_mode, llm_backend
		FROM   user_state
		WHERE  user_id = $1`

	var st Settings
	err := s.db.QueryRow(ctx, q, userID).Scan(
		&st.UserID, &st.CodeTags, &st.PreserveDiacriticE, &st.LongTextMode,
		&st.SpeakerLabels, &st.DebugMode, &st.LLMBackend)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSettings(userID), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("store: get settings of %d: %w", userID, err)
	}
	return st, nil
}

// SaveSettings upserts the user's settings row.
func (s *Store) SaveSettings(ctx context.Context, st Settings) error {
	const q = `
		INSERT INTO user_state
		    (user_id, code_tags, preserve_diacritic_e, long_text_mode, speaker_labels, debug_mode, llm_backend)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
		    code_tags            = EXCLUDED.code_tags,
		    preserve_diacritic_e = EXCLUDED.preserve_diacritic_e,
		    long_text_mode       = EXCLUDED.long_text_mode,
		    speaker_labels       = EXCLUDED.speaker_labels,
		    debug_mode           = EXCLUDED.debug_mode,
		    llm_backend          = EXCLUDED.llm_backend,
		    updated_at           = now()`

	_, err := s.db.Exec(ctx, q,
		st.UserID, st.CodeTags, st.PreserveDiacriticE, st.LongTextMode,
		st.SpeakerLabels, st.DebugMode, st.LLMBackend)
	if err != nil {
		return fmt.Errorf("store: save settings of %d: %w", st.UserID, err)
	}
	return nil
}
