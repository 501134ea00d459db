package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stenobot/steno/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if STENO_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("STENO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STENO_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] with a clean schema.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS trial_requests",
		"DROP TABLE IF EXISTS payment_logs",
		"DROP TABLE IF EXISTS transcription_logs",
		"DROP TABLE IF EXISTS audio_jobs",
		"DROP TABLE IF EXISTS user_state",
		"DROP TABLE IF EXISTS users CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}

	s, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestCreateUser_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := store.User{ID: 100, Username: "ann", Balance: 30}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.CreateUser(ctx, u); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("second create: err = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetUser(ctx, 100)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Username != "ann" || got.Balance != 30 {
		t.Errorf("user = %+v", got)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetUser(context.Background(), 404); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := store.Job{ID: "job-1", UserID: 100, ChatID: 100, FileID: "f", DurationSec: 120}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("duplicate create: %v", err)
	}

	if err := s.MarkJobProcessing(ctx, "job-1"); err != nil {
		t.Fatalf("MarkJobProcessing: %v", err)
	}
	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobProcessing || got.ProcessingStartedAt == nil {
		t.Errorf("job = %+v", got)
	}

	if err := s.MarkJobCompleted(ctx, "job-1", 1234); err != nil {
		t.Fatalf("MarkJobCompleted: %v", err)
	}
	got, _ = s.GetJob(ctx, "job-1")
	if got.Status != store.JobCompleted || got.ResultChars != 1234 || got.CompletedAt == nil {
		t.Errorf("job = %+v", got)
	}

	if err := s.MarkJobFailed(ctx, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
}

func TestGetStuckJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, j := range []store.Job{
		{ID: "old-pending", UserID: 1, ChatID: 1},
		{ID: "old-done", UserID: 1, ChatID: 1},
		{ID: "fresh", UserID: 1, ChatID: 1},
	} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkJobCompleted(ctx, "old-done", 1); err != nil {
		t.Fatal(err)
	}

	// Everything was just created, so a future cutoff catches the pending
	// rows and the status filter drops the completed one.
	stuck, err := s.GetStuckJobs(ctx, time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("GetStuckJobs: %v", err)
	}
	if len(stuck) != 2 {
		t.Fatalf("stuck = %d, want 2: %+v", len(stuck), stuck)
	}
	for _, j := range stuck {
		if j.Status == store.JobCompleted {
			t.Errorf("completed job in stuck scan: %+v", j)
		}
	}
}

func TestGetPendingJobs_FiltersStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, j := range []store.Job{
		{ID: "p1", UserID: 1, ChatID: 1},
		{ID: "p2", UserID: 2, ChatID: 2},
		{ID: "running", UserID: 3, ChatID: 3},
	} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkJobProcessing(ctx, "running"); err != nil {
		t.Fatal(err)
	}

	pending, err := s.GetPendingJobs(ctx, time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("GetPendingJobs: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2: %+v", len(pending), pending)
	}
}

func TestGetAllUsers_Bounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		if err := s.CreateUser(ctx, store.User{ID: id, Balance: int(id)}); err != nil {
			t.Fatal(err)
		}
	}

	users, err := s.GetAllUsers(ctx, 2)
	if err != nil {
		t.Fatalf("GetAllUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("users = %d, want 2", len(users))
	}
}

func TestJobTraceIDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := store.Job{ID: "traced", UserID: 1, ChatID: 1, TraceID: "deadbeefdeadbeefdeadbeefdeadbeef"}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetJob(ctx, "traced")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.TraceID != j.TraceID {
		t.Errorf("trace id = %q, want %q", got.TraceID, j.TraceID)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, store.User{ID: 7}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSettings(ctx, 7)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.LongTextMode != store.LongTextSplit || got.CodeTags {
		t.Errorf("defaults = %+v", got)
	}

	got.CodeTags = true
	got.LongTextMode = store.LongTextFile
	got.LLMBackend = "openai"
	if err := s.SaveSettings(ctx, got); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	again, err := s.GetSettings(ctx, 7)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if !again.CodeTags || again.LongTextMode != store.LongTextFile || again.LLMBackend != "openai" {
		t.Errorf("settings = %+v", again)
	}
}

func TestTrialRequestOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTrialRequest(ctx, 9, 30); err != nil {
		t.Fatalf("CreateTrialRequest: %v", err)
	}
	if err := s.CreateTrialRequest(ctx, 9, 30); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("second trial: %v", err)
	}
}
