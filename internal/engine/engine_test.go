package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stenobot/steno/internal/media"
	"github.com/stenobot/steno/pkg/provider/asr"
	asrmock "github.com/stenobot/steno/pkg/provider/asr/mock"
)

// fakeSplitter returns pre-made chunk paths without touching ffmpeg.
type fakeSplitter struct {
	chunks []string
}

func (f *fakeSplitter) Split(_ context.Context, path string, durationSec, chunkSeconds float64, _ *media.TempSet) []string {
	if durationSec <= chunkSeconds {
		return []string{path}
	}
	return f.chunks
}

// writeAudioFiles creates n dummy files and returns their paths.
func writeAudioFiles(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("chunk%d.mp3", i))
		if err := os.WriteFile(paths[i], []byte("audio"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func TestTranscribe_SingleShot(t *testing.T) {
	path := writeAudioFiles(t, 1)[0]
	rec := &asrmock.Recognizer{Results: []string{"привет мир"}}
	e := New(rec, nil, &fakeSplitter{})

	got, err := e.Transcribe(context.Background(), path, 150, media.NewTempSet(), nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "привет мир" {
		t.Errorf("got = %q", got)
	}
	if len(rec.Calls) != 1 {
		t.Errorf("calls = %d, want 1 (no chunking at the threshold)", len(rec.Calls))
	}
}

func TestTranscribe_SingleShotEmpty(t *testing.T) {
	path := writeAudioFiles(t, 1)[0]
	rec := &asrmock.Recognizer{Results: []string{"ok"}} // two runes, counts as empty
	e := New(rec, nil, &fakeSplitter{})

	_, err := e.Transcribe(context.Background(), path, 30, media.NewTempSet(), nil)
	if !errors.Is(err, ErrTranscriptionEmpty) {
		t.Fatalf("err = %v, want ErrTranscriptionEmpty", err)
	}
}

func TestTranscribe_ChunkedConcatenation(t *testing.T) {
	chunks := writeAudioFiles(t, 3)
	rec := &asrmock.Recognizer{Results: []string{"one", "two", "three"}}
	e := New(rec, nil, &fakeSplitter{chunks: chunks})

	var progress [][2]int
	got, err := e.Transcribe(context.Background(), chunks[0], 450, media.NewTempSet(),
		func(done, total int) { progress = append(progress, [2]int{done, total}) })
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "one two three" {
		t.Errorf("got = %q", got)
	}
	want := [][2]int{{0, 3}, {1, 3}, {2, 3}}
	if len(progress) != 3 || progress[0] != want[0] || progress[2] != want[2] {
		t.Errorf("progress = %v, want %v", progress, want)
	}
}

func TestTranscribe_HalfFailuresTolerated(t *testing.T) {
	// 2 of 4 chunks fail: exactly 50 %, which is within tolerance.
	chunks := writeAudioFiles(t, 4)
	boom := errors.New("asr down")
	rec := &asrmock.Recognizer{
		Results: []string{"one", "", "", "four"},
		Errs:    []error{nil, boom, boom, nil},
	}
	e := New(rec, nil, &fakeSplitter{chunks: chunks})

	got, err := e.Transcribe(context.Background(), chunks[0], 600, media.NewTempSet(), nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "one four" {
		t.Errorf("got = %q", got)
	}
}

func TestTranscribe_MajorityFailuresFail(t *testing.T) {
	// 3 of 4 chunks fail: over 50 %, the whole operation fails.
	chunks := writeAudioFiles(t, 4)
	boom := errors.New("asr down")
	rec := &asrmock.Recognizer{
		Results: []string{"one", "", "", ""},
		Errs:    []error{nil, boom, boom, boom},
	}
	e := New(rec, nil, &fakeSplitter{chunks: chunks})

	_, err := e.Transcribe(context.Background(), chunks[0], 600, media.NewTempSet(), nil)
	if !errors.Is(err, ErrChunkedASRFailed) {
		t.Fatalf("err = %v, want ErrChunkedASRFailed", err)
	}
}

func TestTranscribe_AllEmptyChunks(t *testing.T) {
	chunks := writeAudioFiles(t, 2)
	rec := &asrmock.Recognizer{Results: []string{"", "a"}}
	e := New(rec, nil, &fakeSplitter{chunks: chunks})

	_, err := e.Transcribe(context.Background(), chunks[0], 300, media.NewTempSet(), nil)
	if !errors.Is(err, ErrTranscriptionEmpty) {
		t.Fatalf("err = %v, want ErrTranscriptionEmpty", err)
	}
}

// passTranscriber scripts independent results for the speaker pass and the
// text pass, keyed on the task's diarization flag.
type passTranscriber struct {
	speakerRes *asr.Transcription
	speakerErr error
	textRes    *asr.Transcription
	textErr    error
}

func (p *passTranscriber) Submit(_ context.Context, cfg asr.TaskConfig) (string, error) {
	if cfg.Diarization {
		return "speaker", nil
	}
	return "text", nil
}

func (p *passTranscriber) Poll(_ context.Context, taskID string) (asr.TaskStatus, error) {
	if taskID == "speaker" && p.speakerErr != nil {
		return asr.TaskStatus{State: asr.TaskFailed, Message: p.speakerErr.Error()}, nil
	}
	if taskID == "text" && p.textErr != nil {
		return asr.TaskStatus{State: asr.TaskFailed, Message: p.textErr.Error()}, nil
	}
	return asr.TaskStatus{State: asr.TaskSucceeded, ResultURL: taskID}, nil
}

func (p *passTranscriber) Fetch(_ context.Context, resultURL string) (*asr.Transcription, error) {
	if resultURL == "speaker" {
		return p.speakerRes, nil
	}
	return p.textRes, nil
}

func intp(i int) *int { return &i }

func diarizeEngine(tr asr.Transcriber, opts ...Option) *Engine {
	opts = append(opts, WithPollInterval(time.Millisecond))
	return New(&asrmock.Recognizer{}, tr, &fakeSplitter{}, opts...)
}

func TestDiarization_BothPassesMerge(t *testing.T) {
	tr := &passTranscriber{
		speakerRes: &asr.Transcription{Sentences: []asr.Sentence{
			{Text: "noise a", BeginMS: 0, EndMS: 5000, SpeakerID: intp(0)},
			{Text: "noise b", BeginMS: 5000, EndMS: 10000, SpeakerID: intp(1)},
		}},
		textRes: &asr.Transcription{Sentences: []asr.Sentence{
			{Text: "alpha beta gamma delta epsilon zeta", BeginMS: 0, EndMS: 10000},
		}},
	}
	e := diarizeEngine(tr)

	text, segs, err := e.TranscribeWithDiarization(context.Background(), "https://s3/u.mp3")
	if err != nil {
		t.Fatalf("TranscribeWithDiarization: %v", err)
	}
	if text != "alpha beta gamma delta epsilon zeta" {
		t.Errorf("text = %q", text)
	}
	if len(segs) != 2 || segs[0].Text != "alpha beta gamma" || segs[1].Text != "delta epsilon zeta" {
		t.Errorf("segs = %+v", segs)
	}
}

func TestDiarization_TextPassFailKeepsSpeakerText(t *testing.T) {
	tr := &passTranscriber{
		speakerRes: &asr.Transcription{Sentences: []asr.Sentence{
			{Text: "rough one", BeginMS: 0, EndMS: 4000, SpeakerID: intp(2)},
			{Text: "rough two", BeginMS: 4000, EndMS: 8000, SpeakerID: intp(5)},
		}},
		textErr: errors.New("quota"),
	}
	e := diarizeEngine(tr)

	text, segs, err := e.TranscribeWithDiarization(context.Background(), "u")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != "rough one rough two" {
		t.Errorf("text = %q", text)
	}
	if len(segs) != 2 || segs[0].Speaker != 0 || segs[1].Speaker != 1 {
		t.Errorf("segs = %+v, want renumbered speaker-pass segments", segs)
	}
}

func TestDiarization_SpeakerPassFailNoSegments(t *testing.T) {
	tr := &passTranscriber{
		speakerErr: errors.New("quota"),
		textRes: &asr.Transcription{Sentences: []asr.Sentence{
			{Text: "clean text", BeginMS: 0, EndMS: 4000},
		}},
	}
	e := diarizeEngine(tr)

	text, segs, err := e.TranscribeWithDiarization(context.Background(), "u")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != "clean text" {
		t.Errorf("text = %q", text)
	}
	if len(segs) != 0 {
		t.Errorf("segs = %+v, want none", segs)
	}
}

func TestDiarization_BothPassesFail(t *testing.T) {
	tr := &passTranscriber{
		speakerErr: errors.New("quota"),
		textErr:    errors.New("quota"),
	}
	e := diarizeEngine(tr)

	_, _, err := e.TranscribeWithDiarization(context.Background(), "u")
	if !errors.Is(err, ErrDiarizationFailed) {
		t.Fatalf("err = %v, want ErrDiarizationFailed", err)
	}
}

func TestDiarization_AlternateDiarizerWins(t *testing.T) {
	alt := &asrmock.Diarizer{Segments: []asr.Segment{
		{Speaker: 3, Text: "hi", BeginMS: 0, EndMS: 1000},
		{Speaker: 8, Text: "hey", BeginMS: 1000, EndMS: 2000},
	}}
	// The two-pass transcriber must not be touched.
	tr := &passTranscriber{speakerErr: errors.New("unreachable"), textErr: errors.New("unreachable")}
	e := diarizeEngine(tr, WithDiarizer(alt))

	text, segs, err := e.TranscribeWithDiarization(context.Background(), "u")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != "hi hey" {
		t.Errorf("text = %q", text)
	}
	if len(segs) != 2 || segs[0].Speaker != 0 || segs[1].Speaker != 1 {
		t.Errorf("segs = %+v, want renumbered", segs)
	}
	if alt.Calls != 1 {
		t.Errorf("alternate calls = %d", alt.Calls)
	}
}

func TestDiarization_AlternateEmptyFallsBackToTwoPass(t *testing.T) {
	alt := &asrmock.Diarizer{} // empty result
	tr := &passTranscriber{
		speakerRes: &asr.Transcription{Sentences: []asr.Sentence{
			{Text: "x", BeginMS: 0, EndMS: 1000, SpeakerID: intp(0)},
		}},
		textRes: &asr.Transcription{Sentences: []asr.Sentence{
			{Text: "two-pass text", BeginMS: 0, EndMS: 1000},
		}},
	}
	e := diarizeEngine(tr, WithDiarizer(alt))

	text, _, err := e.TranscribeWithDiarization(context.Background(), "u")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != "two-pass text" {
		t.Errorf("text = %q", text)
	}
}
