package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// JobStatus is the lifecycle state of an audio job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is one transcription request moving through the pipeline.
type Job struct {
	ID                string
	UserID            int64
	ChatID            int64
	ProgressMessageID int64

	// FileID is the chat-platform file handle; FileURL is set instead for
	// signed-upload and cloud-drive jobs.
	FileID   string
	FileURL  string
	FileName string

	DurationSec float64
	Status      JobStatus

	// TraceID carries the ingress trace across dispatch hops so worker
	// logs correlate with the webhook request.
	TraceID string

	// Degraded marks a job that fell back to synchronous execution after
	// both async dispatch paths failed.
	Degraded bool

	Error               string
	ResultChars         int
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
	CompletedAt         *time.Time
}

const jobColumns = `id, user_id, chat_id, progress_message_id, file_id, file_url,
	file_name, duration_sec, status, trace_id, degraded, error, result_chars,
	processing_started_at, created_at, completed_at`

// CreateJob inserts a new pending job. It fails with [ErrAlreadyExists] when
// the id is taken, which doubles as the creation-side dedup check.
func (s *Store) CreateJob(ctx context.Context, j Job) error {
	const q = `
		INSERT INTO audio_jobs
		    (id, user_id, chat_id, progress_message_id, file_id, file_url, file_name, duration_sec, status, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	status := j.Status
	if status == "" {
		status = JobPending
	}
	_, err := s.db.Exec(ctx, q,
		j.ID, j.UserID, j.ChatID, j.ProgressMessageID,
		j.FileID, j.FileURL, j.FileName, j.DurationSec, status, j.TraceID)
	if isUniqueViolation(err) {
		return fmt.Errorf("store: create job %s: %w", j.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("store: create job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM audio_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job %s: %w", id, err)
	}
	return j, nil
}

// MarkJobProcessing transitions the job to processing and stamps
// processing_started_at. It fails with [ErrNotFound] on a missing row.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) error {
	const q = `
		UPDATE audio_jobs
		SET    status = $1, processing_started_at = now()
		WHERE  id = $2`
	return s.updateJob(ctx, id, q, JobProcessing, id)
}

// MarkJobCompleted finalizes a delivered job with its result size.
func (s *Store) MarkJobCompleted(ctx context.Context, id string, resultChars int) error {
	const q = `
		UPDATE audio_jobs
		SET    status = $1, result_chars = $2, completed_at = now()
		WHERE  id = $3`
	return s.updateJob(ctx, id, q, JobCompleted, resultChars, id)
}

// MarkJobFailed records the failure reason.
func (s *Store) MarkJobFailed(ctx context.Context, id, reason string) error {
	const q = `
		UPDATE audio_jobs
		SET    status = $1, error = $2, completed_at = now()
		WHERE  id = $3`
	return s.updateJob(ctx, id, q, JobFailed, reason, id)
}

// MarkJobDegraded flags a job that ran synchronously after async dispatch
// failed.
func (s *Store) MarkJobDegraded(ctx context.Context, id string) error {
	return s.updateJob(ctx, id, `UPDATE audio_jobs SET degraded = TRUE WHERE id = $1`, id)
}

// UpdateJobDuration replaces the declared duration after probing.
func (s *Store) UpdateJobDuration(ctx context.Context, id string, durationSec float64) error {
	return s.updateJob(ctx, id,
		`UPDATE audio_jobs SET duration_sec = $1 WHERE id = $2`, durationSec, id)
}

func (s *Store) updateJob(ctx context.Context, id, q string, args ...any) error {
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update job %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetStuckJobs returns jobs still pending or processing that were created
// before the cutoff. The scan reads by the time bound only and filters status
// client-side.
func (s *Store) GetStuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]Job, error) {
	const q = `
		SELECT ` + jobColumns + `
		FROM   audio_jobs
		WHERE  created_at < $1
		ORDER  BY created_at
		LIMIT  $2`

	rows, err := s.db.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get stuck jobs: %w", err)
	}
	all, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Job, error) {
		j, err := scanJob(row)
		if err != nil {
			return Job{}, err
		}
		return *j, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: get stuck jobs: %w", err)
	}

	stuck := all[:0]
	for _, j := range all {
		if j.Status == JobPending || j.Status == JobProcessing {
			stuck = append(stuck, j)
		}
	}
	return stuck, nil
}

// GetPendingJobs returns jobs still in pending state, oldest first. Like
// [Store.GetStuckJobs] it reads by the time bound and filters status
// client-side.
func (s *Store) GetPendingJobs(ctx context.Context, until time.Time, limit int) ([]Job, error) {
	const q = `
		SELECT ` + jobColumns + `
		FROM   audio_jobs
		WHERE  created_at < $1
		ORDER  BY created_at
		LIMIT  $2`

	rows, err := s.db.Query(ctx, q, until, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get pending jobs: %w", err)
	}
	all, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Job, error) {
		j, err := scanJob(row)
		if err != nil {
			return Job{}, err
		}
		return *j, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: get pending jobs: %w", err)
	}

	pending := all[:0]
	for _, j := range all {
		if j.Status == JobPending {
			pending = append(pending, j)
		}
	}
	return pending, nil
}

// CountJobs returns total and completed job counts.
func (s *Store) CountJobs(ctx context.Context) (total, completed int, err error) {
	const q = `SELECT count(*), count(*) FILTER (WHERE status = 'completed') FROM audio_jobs`
	if err := s.db.QueryRow(ctx, q).Scan(&total, &completed); err != nil {
		return 0, 0, fmt.Errorf("store: count jobs: %w", err)
	}
	return total, completed, nil
}

// scanJob reads one job row.
func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.UserID, &j.ChatID, &j.ProgressMessageID,
		&j.FileID, &j.FileURL, &j.FileName, &j.DurationSec,
		&j.Status, &j.TraceID, &j.Degraded, &j.Error, &j.ResultChars,
		&j.ProcessingStartedAt, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
