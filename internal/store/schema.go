package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id          BIGINT       PRIMARY KEY,
    username    TEXT         NOT NULL DEFAULT '',
    first_name  TEXT         NOT NULL DEFAULT '',
    balance     INTEGER      NOT NULL DEFAULT 0,
    is_admin    BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_state (
    user_id              BIGINT       PRIMARY KEY REFERENCES users (id) ON DELETE CASCADE,
    code_tags            BOOLEAN      NOT NULL DEFAULT FALSE,
    preserve_diacritic_e BOOLEAN      NOT NULL DEFAULT FALSE,
    long_text_mode       TEXT         NOT NULL DEFAULT 'split',
    speaker_labels       BOOLEAN      NOT NULL DEFAULT FALSE,
    debug_mode           BOOLEAN      NOT NULL DEFAULT FALSE,
    llm_backend          TEXT         NOT NULL DEFAULT '',
    updated_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlJobs = `
CREATE TABLE IF NOT EXISTS audio_jobs (
    id                     TEXT         PRIMARY KEY,
    user_id                BIGINT       NOT NULL,
    chat_id                BIGINT       NOT NULL,
    progress_message_id    BIGINT       NOT NULL DEFAULT 0,
    file_id                TEXT         NOT NULL DEFAULT '',
    file_url               TEXT         NOT NULL DEFAULT '',
    file_name              TEXT         NOT NULL DEFAULT '',
    duration_sec           DOUBLE PRECISION NOT NULL DEFAULT 0,
    status                 TEXT         NOT NULL DEFAULT 'pending',
    trace_id               TEXT         NOT NULL DEFAULT '',
    degraded               BOOLEAN      NOT NULL DEFAULT FALSE,
    error                  TEXT         NOT NULL DEFAULT '',
    result_chars           INTEGER      NOT NULL DEFAULT 0,
    processing_started_at  TIMESTAMPTZ,
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    completed_at           TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_audio_jobs_created_at ON audio_jobs (created_at);
`

const ddlAccounting = `
CREATE TABLE IF NOT EXISTS transcription_logs (
    id              BIGSERIAL    PRIMARY KEY,
    user_id         BIGINT       NOT NULL,
    minutes_billed  INTEGER      NOT NULL,
    char_count      INTEGER      NOT NULL,
    outcome         TEXT         NOT NULL,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payment_logs (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     BIGINT       NOT NULL,
    minutes     INTEGER      NOT NULL,
    amount      INTEGER      NOT NULL,
    currency    TEXT         NOT NULL DEFAULT '',
    payload     TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trial_requests (
    user_id          BIGINT       PRIMARY KEY,
    granted_minutes  INTEGER      NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates all required tables. It is idempotent and safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlUsers, ddlJobs, ddlAccounting} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
