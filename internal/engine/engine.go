// Package engine turns prepared audio into text. It selects between
// single-shot and chunked recognition by duration, and between a configured
// synchronous diarizer and the default two-pass diarization for speaker
// separation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stenobot/steno/internal/media"
	"github.com/stenobot/steno/pkg/provider/asr"
)

// MaxChunkSeconds is the largest audio span sent to the synchronous
// recognition surface in one call. Longer audio is split into equal chunks.
const MaxChunkSeconds = 150

// minChunkChars is the shortest recognition output still counted as text.
// Anything shorter is treated as an empty chunk.
const minChunkChars = 3

var (
	// ErrChunkedASRFailed means more than half of the chunks of a chunked
	// recognition failed.
	ErrChunkedASRFailed = errors.New("engine: chunked recognition failed")

	// ErrTranscriptionEmpty means recognition succeeded but produced no text.
	ErrTranscriptionEmpty = errors.New("engine: transcription empty")

	// ErrDiarizationFailed means both diarization passes failed; the caller
	// falls back to plain recognition.
	ErrDiarizationFailed = errors.New("engine: diarization failed")
)

// ProgressFunc is invoked before each chunk of a chunked recognition with the
// zero-based chunk index and the total chunk count.
type ProgressFunc func(done, total int)

// Splitter slices long audio into chunks. *media.Pipeline implements it.
type Splitter interface {
	Split(ctx context.Context, path string, durationSec, chunkSeconds float64, temps *media.TempSet) []string
}

// Engine orchestrates the recognition providers.
type Engine struct {
	recognizer  asr.Recognizer
	transcriber asr.Transcriber
	diarizer    asr.Diarizer // optional synchronous alternate chain
	media       Splitter

	language     string
	speakerModel string
	textModel    string
	passDeadline time.Duration
	pollInterval time.Duration
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithDiarizer installs a synchronous diarizer tried before the two-pass
// default.
func WithDiarizer(d asr.Diarizer) Option {
	return func(e *Engine) { e.diarizer = d }
}

// WithLanguage sets the recognition language hint.
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithModels overrides the asynchronous task models for the speaker pass and
// the text pass.
func WithModels(speaker, text string) Option {
	return func(e *Engine) {
		e.speakerModel = speaker
		e.textModel = text
	}
}

// WithPassDeadline overrides the per-pass deadline of two-pass diarization.
func WithPassDeadline(d time.Duration) Option {
	return func(e *Engine) { e.passDeadline = d }
}

// WithPollInterval overrides the task poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// New creates an Engine over the given providers and media pipeline.
func New(rec asr.Recognizer, tr asr.Transcriber, pipeline Splitter, opts ...Option) *Engine {
	e := &Engine{
		recognizer:   rec,
		transcriber:  tr,
		media:        pipeline,
		language:     "ru",
		speakerModel: "paraformer-8k-v2",
		textModel:    "paraformer-v2",
		passDeadline: 270 * time.Second,
		pollInterval: 5 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Transcribe recognizes the prepared audio at path. Audio within
// [MaxChunkSeconds] is recognized in one call; longer audio is split and
// recognized chunk by chunk with progress reported through the callback.
//
// Chunk failures are tolerated up to half of the total; beyond that the whole
// operation fails with [ErrChunkedASRFailed]. A result with no usable text
// fails with [ErrTranscriptionEmpty].
func (e *Engine) Transcribe(ctx context.Context, path string, durationSec float64, temps *media.TempSet, progress ProgressFunc) (string, error) {
	if durationSec <= MaxChunkSeconds {
		text, err := e.recognizeFile(ctx, path)
		if err != nil {
			return "", err
		}
		if emptyText(text) {
			return "", ErrTranscriptionEmpty
		}
		return strings.TrimSpace(text), nil
	}

	chunks := e.media.Split(ctx, path, durationSec, MaxChunkSeconds, temps)
	var parts []string
	failed := 0
	for i, chunk := range chunks {
		if progress != nil {
			progress(i, len(chunks))
		}
		text, err := e.recognizeFile(ctx, chunk)
		if err != nil {
			failed++
			slog.Warn("engine: chunk recognition failed",
				"chunk", i, "total", len(chunks), "err", err)
			continue
		}
		if !emptyText(text) {
			parts = append(parts, strings.TrimSpace(text))
		}
	}

	if failed*2 > len(chunks) {
		return "", fmt.Errorf("%w: %d of %d chunks", ErrChunkedASRFailed, failed, len(chunks))
	}
	if len(parts) == 0 {
		return "", ErrTranscriptionEmpty
	}
	return strings.Join(parts, " "), nil
}

func (e *Engine) recognizeFile(ctx context.Context, path string) (string, error) {
	audio, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("engine: read %s: %w", path, err)
	}
	return e.recognizer.Recognize(ctx, audio, e.language)
}

func emptyText(s string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(s)) < minChunkChars
}
