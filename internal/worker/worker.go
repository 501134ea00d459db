// Package worker executes transcription jobs end to end: download, media
// preparation, recognition (with diarization for long recordings),
// LLM-backed formatting, billing, and delivery back to the chat.
//
// The same [Worker.RunJob] state machine serves both routes: the bot calls
// it inline for short recordings, the queue poll loop ([Worker.Run]) calls
// it for everything else. Jobs are idempotent by id, so a redelivered queue
// message is detected and skipped instead of double-billing the user.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stenobot/steno/internal/engine"
	"github.com/stenobot/steno/internal/format"
	"github.com/stenobot/steno/internal/media"
	"github.com/stenobot/steno/internal/objstore"
	"github.com/stenobot/steno/internal/observe"
	"github.com/stenobot/steno/internal/queue"
	"github.com/stenobot/steno/internal/store"
	"github.com/stenobot/steno/pkg/provider/asr"
	"github.com/stenobot/steno/pkg/telegram"
)

// Outcome classifies a finished RunJob call.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
)

// Envelope is the queue message body carrying a job reference. The trace id
// of the ingress request rides along so worker logs correlate with it.
type Envelope struct {
	JobID   string `json:"job_id"`
	TraceID string `json:"trace_id,omitempty"`
}

// Store is the persistence surface the worker needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*store.Job, error)
	MarkJobProcessing(ctx context.Context, id string) error
	MarkJobCompleted(ctx context.Context, id string, resultChars int) error
	MarkJobFailed(ctx context.Context, id, reason string) error
	UpdateJobDuration(ctx context.Context, id string, durationSec float64) error
	GetUser(ctx context.Context, id int64) (*store.User, error)
	GetSettings(ctx context.Context, userID int64) (store.Settings, error)
	AdjustBalance(ctx context.Context, userID int64, delta int) (int, error)
	AppendTranscriptionLog(ctx context.Context, userID int64, minutesBilled, charCount int, outcome string) error
	GetStuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]store.Job, error)
}

// Chat is the messaging surface used for delivery and notifications.
type Chat interface {
	SendMessage(ctx context.Context, p telegram.SendMessageParams) (*telegram.Message, error)
	EditMessageText(ctx context.Context, p telegram.EditMessageTextParams) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	SendDocument(ctx context.Context, chatID int64, filename string, content io.Reader, caption string) (*telegram.Message, error)
	GetFile(ctx context.Context, fileID string) (*telegram.File, error)
	Download(ctx context.Context, filePath string) (io.ReadCloser, error)
}

// Media prepares and probes source files.
type Media interface {
	Prepare(ctx context.Context, path string, durationHint float64, temps *media.TempSet) (string, error)
	Duration(ctx context.Context, path string) (float64, error)
}

// Engine runs speech recognition. *engine.Engine satisfies it.
type Engine interface {
	Transcribe(ctx context.Context, path string, durationSec float64, temps *media.TempSet, progress engine.ProgressFunc) (string, error)
	TranscribeWithDiarization(ctx context.Context, fileURL string) (string, []asr.Segment, error)
}

// ObjectStore signs upload and download URLs for recognition sources.
type ObjectStore interface {
	SignedPut(ctx context.Context, key string) (string, error)
	SignedGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Jobs is the queue surface of the poll loop.
type Jobs interface {
	Receive(ctx context.Context, wait, visibility time.Duration) ([]queue.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Formatter polishes raw transcripts. *format.Formatter satisfies it.
type Formatter interface {
	Format(ctx context.Context, text string, opts format.Options) string
}

// Config tunes worker behaviour. Zero values fall back to service defaults.
type Config struct {
	// DiarizationThresholdSec is the minimum recording length, in seconds,
	// that goes through the two-pass speaker pipeline.
	DiarizationThresholdSec float64

	// Visibility is the queue visibility window. A job marked processing
	// for longer than this is treated as crashed and re-run.
	Visibility time.Duration

	// OrphanAge is how old a non-terminal job must be before Sweep fails
	// and refunds it.
	OrphanAge time.Duration

	// PollWait is the long-poll wait of the queue loop.
	PollWait time.Duration

	// AdminIDs receive operational alerts (failed debits, sweep reports).
	AdminIDs []int64

	// TempDir holds downloaded and transcoded files. Default os.TempDir().
	TempDir string
}

// Deps are the worker's collaborators. Store, Chat, Media and Engine are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Store   Store
	Chat    Chat
	Media   Media
	Engine  Engine
	Objects ObjectStore
	Queue   Jobs

	// Formatter is the default transcript formatter. DialogueFormatter,
	// when set, handles multi-speaker transcripts instead. Backends maps
	// a user's llm_backend setting to an override formatter.
	Formatter         Formatter
	DialogueFormatter Formatter
	Backends          map[string]Formatter

	Metrics    *observe.Metrics
	HTTPClient *http.Client
}

// lowBalanceMin is the threshold below which a top-up hint is appended to a
// delivered transcript.
const lowBalanceMin = 5

// signedGetExpiry covers the longest recognition pass plus polling slack.
const signedGetExpiry = time.Hour

type Worker struct {
	store   Store
	chat    Chat
	media   Media
	engine  Engine
	objects ObjectStore
	queue   Jobs

	formatter         Formatter
	dialogueFormatter Formatter
	backends          map[string]Formatter

	metrics *observe.Metrics
	hc      *http.Client
	cfg     Config
	now     func() time.Time
}

// New creates a Worker from its dependencies.
func New(deps Deps, cfg Config) *Worker {
	if cfg.DiarizationThresholdSec <= 0 {
		cfg.DiarizationThresholdSec = 60
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 600 * time.Second
	}
	if cfg.OrphanAge <= 0 {
		cfg.OrphanAge = time.Hour
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 10 * time.Second
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	hc := deps.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Worker{
		store:             deps.Store,
		chat:              deps.Chat,
		media:             deps.Media,
		engine:            deps.Engine,
		objects:           deps.Objects,
		queue:             deps.Queue,
		formatter:         deps.Formatter,
		dialogueFormatter: deps.DialogueFormatter,
		backends:          deps.Backends,
		metrics:           m,
		hc:                hc,
		cfg:               cfg,
		now:               time.Now,
	}
}

// RunJob drives one job through the full pipeline. route ("sync" or
// "async") only labels metrics. A returned error means a transient
// infrastructure failure: the job was not brought to a terminal state and
// the queue message should stay visible for a retry.
func (w *Worker) RunJob(ctx context.Context, jobID, route string) (Outcome, error) {
	ctx, span := observe.StartSpan(ctx, "run_job")
	defer span.End()
	start := w.now()

	j, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("worker: load job %s: %w", jobID, err)
	}

	if dup, reason := w.isDuplicate(j); dup {
		slog.Info("job skipped", "job_id", j.ID, "reason", reason)
		w.metrics.RecordJob(ctx, string(OutcomeDuplicate), route, w.now().Sub(start).Seconds())
		return OutcomeDuplicate, nil
	}

	if err := w.store.MarkJobProcessing(ctx, j.ID); err != nil {
		return "", fmt.Errorf("worker: mark job %s processing: %w", j.ID, err)
	}
	observe.Logger(ctx).Info("job started", "job_id", j.ID, "route", route, "ingress_trace_id", j.TraceID)

	w.metrics.ActiveJobs.Add(ctx, 1)
	defer w.metrics.ActiveJobs.Add(ctx, -1)

	temps := media.NewTempSet()
	defer temps.RemoveAll()

	outcome := w.process(ctx, j, temps)
	w.metrics.RecordJob(ctx, string(outcome), route, w.now().Sub(start).Seconds())
	return outcome, nil
}

// isDuplicate reports whether the job already ran (or is running) elsewhere.
// A stale processing stamp older than the visibility window means the
// previous run crashed, so the job is re-run rather than skipped.
func (w *Worker) isDuplicate(j *store.Job) (bool, string) {
	switch j.Status {
	case store.JobCompleted:
		return true, "already completed"
	case store.JobFailed:
		return true, "already failed"
	case store.JobProcessing:
		if j.ProcessingStartedAt != nil && w.now().Sub(*j.ProcessingStartedAt) < w.cfg.Visibility {
			return true, "processing elsewhere"
		}
		return false, ""
	default:
		return false, ""
	}
}

func (w *Worker) process(ctx context.Context, j *store.Job, temps *media.TempSet) Outcome {
	st, err := w.store.GetSettings(ctx, j.UserID)
	if err != nil {
		slog.Warn("settings load failed, using defaults", "user_id", j.UserID, "error", err)
		st = store.DefaultSettings(j.UserID)
	}

	local, err := w.fetchSource(ctx, j, temps)
	if err != nil {
		slog.Error("source fetch failed", "job_id", j.ID, "error", err)
		w.fail(ctx, j, "download_failed", msgDownloadFailed)
		return OutcomeFailed
	}

	prepared, err := w.media.Prepare(ctx, local, j.DurationSec, temps)
	if err != nil {
		slog.Error("media prepare failed", "job_id", j.ID, "error", err)
		w.fail(ctx, j, "unsupported_media", msgUnsupportedMedia)
		return OutcomeFailed
	}

	duration := j.DurationSec
	if duration <= 0 {
		// Drive links and signed uploads arrive without a duration; the
		// ingress accepted them provisionally, so re-check the balance
		// against the probed length before spending provider money.
		duration, err = w.media.Duration(ctx, prepared)
		if err != nil {
			slog.Error("duration probe failed", "job_id", j.ID, "error", err)
			w.fail(ctx, j, "probe_failed", msgUnsupportedMedia)
			return OutcomeFailed
		}
		if err := w.store.UpdateJobDuration(ctx, j.ID, duration); err != nil {
			slog.Warn("duration update failed", "job_id", j.ID, "error", err)
		}
		cost := billedMinutes(duration)
		if u, uerr := w.store.GetUser(ctx, j.UserID); uerr == nil && u.Balance < cost {
			w.fail(ctx, j, "insufficient_balance", fmt.Sprintf(msgInsufficient, cost, u.Balance))
			return OutcomeFailed
		}
	}

	text, segs, err := w.transcribe(ctx, j, prepared, duration, temps)
	if err != nil {
		if errorIsNoSpeech(err) {
			w.fail(ctx, j, "no_speech", msgNoSpeech)
		} else {
			slog.Error("recognition failed", "job_id", j.ID, "error", err)
			w.fail(ctx, j, "recognition_failed", userMessageFor(err))
		}
		return OutcomeFailed
	}

	dialogue := len(segs) > 0 && engine.IsDialogue(segs)
	raw := text
	if dialogue {
		raw = format.RenderDialogue(segs, st.SpeakerLabels)
	}
	if trimmed := strings.TrimSpace(raw); trimmed == "" || strings.EqualFold(trimmed, asr.NoSpeechSentinel) {
		w.fail(ctx, j, "no_speech", msgNoSpeech)
		return OutcomeFailed
	}

	if st.DebugMode && len(segs) > 0 {
		w.notifyAdmins(ctx, segmentDump(j.ID, segs))
	}

	llmStart := w.now()
	formatted := w.pickFormatter(st, dialogue).Format(ctx, raw, format.Options{
		CodeTags:           st.CodeTags,
		PreserveDiacriticE: st.PreserveDiacriticE,
		Chunked:            duration > engine.MaxChunkSeconds,
		Dialogue:           dialogue,
	})
	w.metrics.LLMDuration.Record(ctx, w.now().Sub(llmStart).Seconds())

	cost := billedMinutes(duration)
	balance, derr := w.store.AdjustBalance(ctx, j.UserID, -cost)
	if derr != nil {
		slog.Error("balance debit failed", "job_id", j.ID, "user_id", j.UserID, "minutes", cost, "error", derr)
		w.notifyAdmins(ctx, fmt.Sprintf("debit failed: user %d, job %s, %d min: %v", j.UserID, j.ID, cost, derr))
		balance = -1
	}
	w.metrics.MinutesBilled.Add(ctx, int64(cost))

	if err := w.deliver(ctx, j, st, formatted); err != nil {
		slog.Error("delivery failed", "job_id", j.ID, "error", err)
		w.fail(ctx, j, "delivery_failed", "")
		return OutcomeFailed
	}

	chars := len([]rune(formatted))
	if err := w.store.AppendTranscriptionLog(ctx, j.UserID, cost, chars, "completed"); err != nil {
		slog.Warn("transcription log append failed", "job_id", j.ID, "error", err)
	}

	switch {
	case balance == 0:
		w.send(ctx, j.ChatID, msgBalanceEmpty)
	case balance > 0 && balance < lowBalanceMin:
		w.send(ctx, j.ChatID, fmt.Sprintf(msgBalanceLow, balance))
	}

	if err := w.store.MarkJobCompleted(ctx, j.ID, chars); err != nil {
		slog.Error("job completion mark failed", "job_id", j.ID, "error", err)
	}
	return OutcomeCompleted
}

// transcribe picks the recognition mode. Long recordings go through the
// diarizing pipeline when an object store is available to host the source;
// any diarization failure falls back to the plain single or chunked pass.
func (w *Worker) transcribe(ctx context.Context, j *store.Job, prepared string, duration float64, temps *media.TempSet) (string, []asr.Segment, error) {
	asrStart := w.now()
	defer func() {
		w.metrics.ASRDuration.Record(ctx, w.now().Sub(asrStart).Seconds())
	}()

	if duration >= w.cfg.DiarizationThresholdSec && w.objects != nil {
		url, err := w.uploadForRecognition(ctx, j.UserID, prepared)
		if err != nil {
			slog.Warn("recognition upload failed, skipping diarization", "job_id", j.ID, "error", err)
		} else {
			text, segs, derr := w.engine.TranscribeWithDiarization(ctx, url)
			if derr == nil {
				return text, segs, nil
			}
			slog.Warn("diarization failed, falling back to single pass", "job_id", j.ID, "error", derr)
		}
	}

	text, err := w.engine.Transcribe(ctx, prepared, duration, temps, w.progressFn(ctx, j))
	return text, nil, err
}

// progressFn edits the progress message as chunked recognition advances.
func (w *Worker) progressFn(ctx context.Context, j *store.Job) engine.ProgressFunc {
	if j.ProgressMessageID == 0 {
		return nil
	}
	return func(done, total int) {
		err := w.chat.EditMessageText(ctx, telegram.EditMessageTextParams{
			ChatID:    j.ChatID,
			MessageID: j.ProgressMessageID,
			Text:      fmt.Sprintf(msgProgress, done, total),
		})
		if err != nil {
			slog.Debug("progress edit failed", "job_id", j.ID, "error", err)
		}
	}
}

// uploadForRecognition puts the prepared audio into the object store and
// returns a signed download URL the recognition provider can fetch.
func (w *Worker) uploadForRecognition(ctx context.Context, userID int64, path string) (string, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	key, err := objstore.NewKey(userID, ext)
	if err != nil {
		return "", err
	}
	putURL, err := w.objects.SignedPut(ctx, key)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("worker: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("worker: stat %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, f)
	if err != nil {
		return "", fmt.Errorf("worker: build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := w.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("worker: upload %s: %w", key, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("worker: upload %s: status %d", key, resp.StatusCode)
	}

	return w.objects.SignedGet(ctx, key, signedGetExpiry)
}

// fetchSource materialises the job's media as a local temp file.
func (w *Worker) fetchSource(ctx context.Context, j *store.Job, temps *media.TempSet) (string, error) {
	if j.FileURL != "" {
		return w.downloadURL(ctx, j.FileURL, j.FileName, temps)
	}

	f, err := w.chat.GetFile(ctx, j.FileID)
	if err != nil {
		return "", fmt.Errorf("worker: resolve file %s: %w", j.FileID, err)
	}
	rc, err := w.chat.Download(ctx, f.FilePath)
	if err != nil {
		return "", fmt.Errorf("worker: download %s: %w", f.FilePath, err)
	}
	defer rc.Close()
	return w.saveTemp(rc, filepath.Ext(f.FilePath), temps)
}

func (w *Worker) downloadURL(ctx context.Context, url, name string, temps *media.TempSet) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("worker: build download request: %w", err)
	}
	resp, err := w.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("worker: fetch source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("worker: fetch source: status %d", resp.StatusCode)
	}
	return w.saveTemp(resp.Body, filepath.Ext(name), temps)
}

func (w *Worker) saveTemp(r io.Reader, ext string, temps *media.TempSet) (string, error) {
	f, err := os.CreateTemp(w.cfg.TempDir, "steno-*"+ext)
	if err != nil {
		return "", fmt.Errorf("worker: create temp file: %w", err)
	}
	temps.Add(f.Name())
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("worker: write %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("worker: close %s: %w", f.Name(), err)
	}
	return f.Name(), nil
}

func (w *Worker) pickFormatter(st store.Settings, dialogue bool) Formatter {
	if st.LLMBackend != "" {
		if f, ok := w.backends[st.LLMBackend]; ok {
			return f
		}
		slog.Warn("unknown llm backend, using default", "backend", st.LLMBackend)
	}
	if dialogue && w.dialogueFormatter != nil {
		return w.dialogueFormatter
	}
	if w.formatter != nil {
		return w.formatter
	}
	return passthrough{}
}

// passthrough returns transcripts unformatted when no provider is wired.
type passthrough struct{}

func (passthrough) Format(_ context.Context, text string, _ format.Options) string { return text }

func errorIsNoSpeech(err error) bool {
	return errors.Is(err, engine.ErrTranscriptionEmpty)
}

// userMessageFor maps a recognition error onto the user-facing notice.
// Provider errors arrive flattened into text, so the mapping is by
// substring.
func userMessageFor(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "duration"), strings.Contains(s, "InvalidParameter"):
		return msgAudioTooLong
	case errors.Is(err, media.ErrTranscodeTimeout),
		strings.Contains(s, "timeout"), strings.Contains(s, "timed out"):
		return msgTimeout
	default:
		return msgRecognitionFailed
	}
}

// billedMinutes is the audio-minute cost of a recording, rounded up.
func billedMinutes(durationSec float64) int {
	if durationSec <= 0 {
		return 0
	}
	return int(math.Ceil(durationSec / 60))
}

func segmentDump(jobID string, segs []asr.Segment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s: %d segments\n", jobID, len(segs))
	for i, s := range segs {
		if i >= 40 {
			fmt.Fprintf(&b, "... %d more", len(segs)-i)
			break
		}
		fmt.Fprintf(&b, "[%d] %d-%d: %s\n", s.Speaker, s.BeginMS, s.EndMS, s.Text)
	}
	return b.String()
}
