package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stenobot/steno/internal/engine"
	"github.com/stenobot/steno/internal/format"
	"github.com/stenobot/steno/internal/media"
	"github.com/stenobot/steno/internal/queue"
	"github.com/stenobot/steno/internal/store"
	"github.com/stenobot/steno/pkg/provider/asr"
	"github.com/stenobot/steno/pkg/telegram"
)

type fakeStore struct {
	job      *store.Job
	user     *store.User
	settings store.Settings
	stuck    []store.Job

	adjustErr    error
	adjustCalls  []int
	balanceAfter int

	markedProcessing bool
	failedReason     string
	completedChars   int
	updatedDuration  float64
	logs             []string
}

func (f *fakeStore) GetJob(_ context.Context, id string) (*store.Job, error) {
	if f.job == nil || f.job.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *f.job
	return &cp, nil
}

func (f *fakeStore) MarkJobProcessing(context.Context, string) error {
	f.markedProcessing = true
	return nil
}

func (f *fakeStore) MarkJobCompleted(_ context.Context, _ string, chars int) error {
	f.job.Status = store.JobCompleted
	f.completedChars = chars
	return nil
}

func (f *fakeStore) MarkJobFailed(_ context.Context, _ string, reason string) error {
	f.job.Status = store.JobFailed
	f.failedReason = reason
	return nil
}

func (f *fakeStore) UpdateJobDuration(_ context.Context, _ string, d float64) error {
	f.updatedDuration = d
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (*store.User, error) {
	if f.user == nil {
		return nil, store.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeStore) GetSettings(_ context.Context, userID int64) (store.Settings, error) {
	if f.settings.UserID == 0 {
		return store.DefaultSettings(userID), nil
	}
	return f.settings, nil
}

func (f *fakeStore) AdjustBalance(_ context.Context, _ int64, delta int) (int, error) {
	f.adjustCalls = append(f.adjustCalls, delta)
	if f.adjustErr != nil {
		return 0, f.adjustErr
	}
	return f.balanceAfter, nil
}

func (f *fakeStore) AppendTranscriptionLog(_ context.Context, _ int64, _, _ int, outcome string) error {
	f.logs = append(f.logs, outcome)
	return nil
}

func (f *fakeStore) GetStuckJobs(context.Context, time.Time, int) ([]store.Job, error) {
	return f.stuck, nil
}

type fakeChat struct {
	sent    []telegram.SendMessageParams
	edits   []telegram.EditMessageTextParams
	deleted [][2]int64
	docs    []string
	docText string

	sendErr error
	editErr error
}

func (f *fakeChat) SendMessage(_ context.Context, p telegram.SendMessageParams) (*telegram.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, p)
	return &telegram.Message{MessageID: int64(len(f.sent))}, nil
}

func (f *fakeChat) EditMessageText(_ context.Context, p telegram.EditMessageTextParams) error {
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, p)
	return nil
}

func (f *fakeChat) DeleteMessage(_ context.Context, chatID, messageID int64) error {
	f.deleted = append(f.deleted, [2]int64{chatID, messageID})
	return nil
}

func (f *fakeChat) SendDocument(_ context.Context, _ int64, filename string, content io.Reader, _ string) (*telegram.Message, error) {
	b, _ := io.ReadAll(content)
	f.docs = append(f.docs, filename)
	f.docText = string(b)
	return &telegram.Message{MessageID: 99}, nil
}

func (f *fakeChat) GetFile(_ context.Context, fileID string) (*telegram.File, error) {
	return &telegram.File{FileID: fileID, FilePath: "voice/" + fileID + ".oga"}, nil
}

func (f *fakeChat) Download(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("audio-bytes")), nil
}

type fakeMedia struct {
	prepared string
	prepErr  error
	duration float64
	durErr   error
}

func (f *fakeMedia) Prepare(_ context.Context, path string, _ float64, _ *media.TempSet) (string, error) {
	if f.prepErr != nil {
		return "", f.prepErr
	}
	if f.prepared != "" {
		return f.prepared, nil
	}
	return path, nil
}

func (f *fakeMedia) Duration(context.Context, string) (float64, error) {
	return f.duration, f.durErr
}

type fakeEngine struct {
	text string
	err  error

	diarText string
	segs     []asr.Segment
	diarErr  error

	transcribeCalls int
	diarCalls       int
	lastURL         string
}

func (f *fakeEngine) Transcribe(_ context.Context, _ string, _ float64, _ *media.TempSet, progress engine.ProgressFunc) (string, error) {
	f.transcribeCalls++
	if progress != nil {
		progress(1, 2)
		progress(2, 2)
	}
	return f.text, f.err
}

func (f *fakeEngine) TranscribeWithDiarization(_ context.Context, fileURL string) (string, []asr.Segment, error) {
	f.diarCalls++
	f.lastURL = fileURL
	return f.diarText, f.segs, f.diarErr
}

type fakeObjects struct {
	putURL string
	puts   []string
	gets   []string
}

func (f *fakeObjects) SignedPut(_ context.Context, key string) (string, error) {
	f.puts = append(f.puts, key)
	return f.putURL, nil
}

func (f *fakeObjects) SignedGet(_ context.Context, key string, _ time.Duration) (string, error) {
	f.gets = append(f.gets, key)
	return "https://store.example/get/" + key, nil
}

type fakeFormatter struct {
	prefix string
	opts   []format.Options
}

func (f *fakeFormatter) Format(_ context.Context, text string, opts format.Options) string {
	f.opts = append(f.opts, opts)
	return f.prefix + text
}

type env struct {
	w     *Worker
	store *fakeStore
	chat  *fakeChat
	eng   *fakeEngine
	fmtr  *fakeFormatter
}

func newEnv(t *testing.T, job store.Job, mod func(*Deps, *Config)) *env {
	t.Helper()
	fs := &fakeStore{
		job:          &job,
		user:         &store.User{ID: job.UserID, Balance: 100},
		balanceAfter: 50,
	}
	fc := &fakeChat{}
	fe := &fakeEngine{text: "привет это тестовая запись"}
	ff := &fakeFormatter{}
	deps := Deps{
		Store:     fs,
		Chat:      fc,
		Media:     &fakeMedia{},
		Engine:    fe,
		Formatter: ff,
	}
	cfg := Config{TempDir: t.TempDir(), AdminIDs: []int64{900}}
	if mod != nil {
		mod(&deps, &cfg)
	}
	return &env{w: New(deps, cfg), store: fs, chat: fc, eng: fe, fmtr: ff}
}

func baseJob() store.Job {
	return store.Job{
		ID:                "job-1",
		UserID:            7,
		ChatID:            7,
		ProgressMessageID: 11,
		FileID:            "voice-file",
		DurationSec:       30,
		Status:            store.JobPending,
	}
}

func TestRunJob_CompletedShortRecording(t *testing.T) {
	e := newEnv(t, baseJob(), nil)

	out, err := e.w.RunJob(context.Background(), "job-1", "async")
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if out != OutcomeCompleted {
		t.Fatalf("outcome = %q", out)
	}
	if !e.store.markedProcessing {
		t.Error("job never marked processing")
	}
	if e.eng.transcribeCalls != 1 || e.eng.diarCalls != 0 {
		t.Errorf("calls = %d transcribe, %d diarize", e.eng.transcribeCalls, e.eng.diarCalls)
	}
	if len(e.store.adjustCalls) != 1 || e.store.adjustCalls[0] != -1 {
		t.Errorf("debits = %v, want [-1]", e.store.adjustCalls)
	}
	// Short result replaces the progress message in place; the last edit
	// carries the formatted text (earlier ones are chunk progress).
	if len(e.chat.edits) == 0 {
		t.Fatal("no edits recorded")
	}
	last := e.chat.edits[len(e.chat.edits)-1]
	if last.Text != "привет это тестовая запись" {
		t.Errorf("delivered = %q", last.Text)
	}
	if e.store.job.Status != store.JobCompleted || e.store.completedChars == 0 {
		t.Errorf("job = %+v, chars = %d", e.store.job, e.store.completedChars)
	}
	if len(e.store.logs) != 1 || e.store.logs[0] != "completed" {
		t.Errorf("logs = %v", e.store.logs)
	}
}

func TestRunJob_DuplicateDetection(t *testing.T) {
	recent := time.Now().Add(-time.Minute)
	stale := time.Now().Add(-20 * time.Minute)

	tests := []struct {
		name      string
		status    store.JobStatus
		startedAt *time.Time
		want      Outcome
	}{
		{"completed", store.JobCompleted, nil, OutcomeDuplicate},
		{"failed", store.JobFailed, nil, OutcomeDuplicate},
		{"processing recent", store.JobProcessing, &recent, OutcomeDuplicate},
		{"processing stale reruns", store.JobProcessing, &stale, OutcomeCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := baseJob()
			j.Status = tt.status
			j.ProcessingStartedAt = tt.startedAt
			e := newEnv(t, j, nil)

			out, err := e.w.RunJob(context.Background(), "job-1", "async")
			if err != nil {
				t.Fatalf("RunJob: %v", err)
			}
			if out != tt.want {
				t.Errorf("outcome = %q, want %q", out, tt.want)
			}
			if tt.want == OutcomeDuplicate && e.eng.transcribeCalls != 0 {
				t.Error("duplicate still hit the recognizer")
			}
		})
	}
}

func TestRunJob_ProbeRecheckInsufficientBalance(t *testing.T) {
	j := baseJob()
	j.DurationSec = 0
	e := newEnv(t, j, func(d *Deps, _ *Config) {
		d.Media = &fakeMedia{duration: 300}
	})
	e.store.user.Balance = 2

	out, err := e.w.RunJob(context.Background(), "job-1", "async")
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if out != OutcomeFailed {
		t.Fatalf("outcome = %q", out)
	}
	if e.store.failedReason != "insufficient_balance" {
		t.Errorf("reason = %q", e.store.failedReason)
	}
	if e.store.updatedDuration != 300 {
		t.Errorf("stored duration = %v", e.store.updatedDuration)
	}
	if len(e.store.adjustCalls) != 0 {
		t.Errorf("balance touched: %v", e.store.adjustCalls)
	}
	if len(e.chat.edits) != 1 || !strings.Contains(e.chat.edits[0].Text, "Недостаточно минут") {
		t.Errorf("edits = %+v", e.chat.edits)
	}
}

func TestRunJob_NoSpeech(t *testing.T) {
	e := newEnv(t, baseJob(), nil)
	e.eng.text = ""
	e.eng.err = engine.ErrTranscriptionEmpty

	out, _ := e.w.RunJob(context.Background(), "job-1", "async")
	if out != OutcomeFailed {
		t.Fatalf("outcome = %q", out)
	}
	if e.store.failedReason != "no_speech" {
		t.Errorf("reason = %q", e.store.failedReason)
	}
	if len(e.store.adjustCalls) != 0 {
		t.Error("failed job was billed")
	}
}

func TestRunJob_RecognitionErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"duration limit", errors.New("dashscope: InvalidParameter: audio duration exceeds limit"), msgAudioTooLong},
		{"transcode timeout", media.ErrTranscodeTimeout, msgTimeout},
		{"provider timeout", errors.New("dashscope: task poll timeout"), msgTimeout},
		{"generic", errors.New("dashscope: status 500"), msgRecognitionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, baseJob(), nil)
			e.eng.err = tt.err

			out, _ := e.w.RunJob(context.Background(), "job-1", "sync")
			if out != OutcomeFailed {
				t.Fatalf("outcome = %q", out)
			}
			if e.store.failedReason != "recognition_failed" {
				t.Errorf("reason = %q", e.store.failedReason)
			}
			last := e.chat.edits[len(e.chat.edits)-1]
			if last.Text != tt.want {
				t.Errorf("notice = %q, want %q", last.Text, tt.want)
			}
		})
	}
}

func TestRunJob_ProviderSentinelIsNoSpeech(t *testing.T) {
	e := newEnv(t, baseJob(), nil)
	e.eng.text = "No Speech Detected"

	out, _ := e.w.RunJob(context.Background(), "job-1", "sync")
	if out != OutcomeFailed {
		t.Fatalf("outcome = %q", out)
	}
	if e.store.failedReason != "no_speech" {
		t.Errorf("reason = %q", e.store.failedReason)
	}
	if len(e.store.adjustCalls) != 0 {
		t.Error("failed job was billed")
	}
}

func TestRunJob_EditFailureFallsBackToSend(t *testing.T) {
	e := newEnv(t, baseJob(), nil)
	e.chat.editErr = errors.New("message to edit not found")

	out, err := e.w.RunJob(context.Background(), "job-1", "sync")
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if out != OutcomeCompleted {
		t.Fatalf("outcome = %q", out)
	}
	if len(e.chat.sent) == 0 || !strings.Contains(e.chat.sent[0].Text, "привет") {
		t.Fatalf("sent = %+v, want transcript as fresh message", e.chat.sent)
	}
	if e.store.job.Status != store.JobCompleted {
		t.Errorf("job = %+v", e.store.job)
	}
}

// diarEnv wires a real temp file and a PUT-accepting test server so the
// diarization upload path runs for real.
func diarEnv(t *testing.T, job store.Job, segs []asr.Segment, diarErr error) (*env, *int) {
	t.Helper()
	puts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts++
			io.Copy(io.Discard, r.Body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	audio := filepath.Join(t.TempDir(), "prepared.mp3")
	if err := os.WriteFile(audio, []byte("mp3-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	e := newEnv(t, job, func(d *Deps, _ *Config) {
		d.Media = &fakeMedia{prepared: audio}
		d.Objects = &fakeObjects{putURL: srv.URL + "/put"}
	})
	e.eng.diarText = "реплика раз реплика два"
	e.eng.segs = segs
	e.eng.diarErr = diarErr
	return e, &puts
}

func dialogueSegments() []asr.Segment {
	return []asr.Segment{
		{Speaker: 0, Text: "привет", BeginMS: 0, EndMS: 1000},
		{Speaker: 1, Text: "здравствуй", BeginMS: 1000, EndMS: 2000},
		{Speaker: 0, Text: "как дела", BeginMS: 2000, EndMS: 3000},
		{Speaker: 1, Text: "нормально", BeginMS: 3000, EndMS: 4000},
	}
}

func TestRunJob_DialogueRendered(t *testing.T) {
	j := baseJob()
	j.DurationSec = 120
	e, puts := diarEnv(t, j, dialogueSegments(), nil)

	out, err := e.w.RunJob(context.Background(), "job-1", "async")
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if out != OutcomeCompleted {
		t.Fatalf("outcome = %q", out)
	}
	if *puts != 1 {
		t.Errorf("uploads = %d", *puts)
	}
	if e.eng.diarCalls != 1 || e.eng.transcribeCalls != 0 {
		t.Errorf("calls = %d diarize, %d transcribe", e.eng.diarCalls, e.eng.transcribeCalls)
	}
	if !strings.HasPrefix(e.eng.lastURL, "https://store.example/get/uploads/7/") {
		t.Errorf("signed url = %q", e.eng.lastURL)
	}
	last := e.chat.edits[len(e.chat.edits)-1]
	if !strings.Contains(last.Text, "— привет") {
		t.Errorf("delivered = %q, want dialogue lines", last.Text)
	}
	if len(e.fmtr.opts) != 1 || !e.fmtr.opts[0].Dialogue {
		t.Errorf("formatter opts = %+v", e.fmtr.opts)
	}
}

func TestRunJob_FewTransitionsKeepsPlainText(t *testing.T) {
	j := baseJob()
	j.DurationSec = 120
	// Two speakers but only one transition: not a dialogue, so the plain
	// transcript text is delivered.
	segs := []asr.Segment{
		{Speaker: 0, Text: "тишина", BeginMS: 0, EndMS: 1000},
		{Speaker: 1, Text: "эхо", BeginMS: 1000, EndMS: 2000},
	}
	e, _ := diarEnv(t, j, segs, nil)

	if out, _ := e.w.RunJob(context.Background(), "job-1", "async"); out != OutcomeCompleted {
		t.Fatalf("outcome = %q", out)
	}
	last := e.chat.edits[len(e.chat.edits)-1]
	if last.Text != "реплика раз реплика два" {
		t.Errorf("delivered = %q", last.Text)
	}
	if e.fmtr.opts[0].Dialogue {
		t.Error("Dialogue option set for a non-dialogue")
	}
}

func TestRunJob_DiarizationFailureFallsBack(t *testing.T) {
	j := baseJob()
	j.DurationSec = 120
	e, _ := diarEnv(t, j, nil, engine.ErrDiarizationFailed)
	e.eng.text = "одиночный проход"

	if out, _ := e.w.RunJob(context.Background(), "job-1", "async"); out != OutcomeCompleted {
		t.Fatal("fallback pass should complete the job")
	}
	if e.eng.diarCalls != 1 || e.eng.transcribeCalls != 1 {
		t.Errorf("calls = %d diarize, %d transcribe", e.eng.diarCalls, e.eng.transcribeCalls)
	}
	last := e.chat.edits[len(e.chat.edits)-1]
	if last.Text != "одиночный проход" {
		t.Errorf("delivered = %q", last.Text)
	}
}

func TestRunJob_DebitFailureAlertsAdmins(t *testing.T) {
	e := newEnv(t, baseJob(), nil)
	e.store.adjustErr = store.ErrBalanceConflict

	out, _ := e.w.RunJob(context.Background(), "job-1", "async")
	if out != OutcomeCompleted {
		t.Fatalf("outcome = %q, debit failure must not lose the transcript", out)
	}
	found := false
	for _, m := range e.chat.sent {
		if m.ChatID == 900 && strings.Contains(m.Text, "debit failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("no admin alert in %+v", e.chat.sent)
	}
}

func TestRunJob_LowBalanceHints(t *testing.T) {
	tests := []struct {
		name    string
		balance int
		want    string
	}{
		{"empty", 0, "Баланс исчерпан"},
		{"low", 3, "Осталось 3 мин"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, baseJob(), nil)
			e.store.balanceAfter = tt.balance

			if out, _ := e.w.RunJob(context.Background(), "job-1", "async"); out != OutcomeCompleted {
				t.Fatal("job should complete")
			}
			found := false
			for _, m := range e.chat.sent {
				if m.ChatID == 7 && strings.Contains(m.Text, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("no hint %q in %+v", tt.want, e.chat.sent)
			}
		})
	}
}

func TestSweep_RefundsAndNotifies(t *testing.T) {
	e := newEnv(t, baseJob(), nil)
	e.store.stuck = []store.Job{{
		ID:                "old-job",
		UserID:            5,
		ChatID:            5,
		ProgressMessageID: 3,
		DurationSec:       130,
		Status:            store.JobProcessing,
		CreatedAt:         time.Now().Add(-2 * time.Hour),
	}}

	n, err := e.w.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d", n)
	}
	if e.store.failedReason != "orphaned" {
		t.Errorf("reason = %q", e.store.failedReason)
	}
	if len(e.store.adjustCalls) != 1 || e.store.adjustCalls[0] != 3 {
		t.Errorf("refunds = %v, want [3]", e.store.adjustCalls)
	}
	if len(e.chat.deleted) != 1 || e.chat.deleted[0] != [2]int64{5, 3} {
		t.Errorf("deleted = %v", e.chat.deleted)
	}
	if len(e.chat.sent) != 1 || !strings.Contains(e.chat.sent[0].Text, "возвращены") {
		t.Errorf("sent = %+v", e.chat.sent)
	}
}

type scriptedQueue struct {
	batches [][]queue.Message
	deleted []string
	cancel  context.CancelFunc
}

func (q *scriptedQueue) Receive(ctx context.Context, _, _ time.Duration) ([]queue.Message, error) {
	if len(q.batches) == 0 {
		q.cancel()
		return nil, ctx.Err()
	}
	b := q.batches[0]
	q.batches = q.batches[1:]
	return b, nil
}

func (q *scriptedQueue) Delete(_ context.Context, receiptHandle string) error {
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func TestRun_PollLoopDeletesTerminalMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sq := &scriptedQueue{
		cancel: cancel,
		batches: [][]queue.Message{{
			{Body: `{"job_id":"job-1"}`, ReceiptHandle: "rh-1"},
			{Body: `not json`, ReceiptHandle: "rh-2"},
		}},
	}
	e := newEnv(t, baseJob(), func(d *Deps, _ *Config) { d.Queue = sq })

	if err := e.w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
	if len(sq.deleted) != 2 || sq.deleted[0] != "rh-1" || sq.deleted[1] != "rh-2" {
		t.Errorf("deleted = %v", sq.deleted)
	}
	if e.store.job.Status != store.JobCompleted {
		t.Errorf("job status = %q", e.store.job.Status)
	}
}
