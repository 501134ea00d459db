// Package asr defines the provider interfaces for speech recognition backends.
//
// Two surface types exist and both must be supported by the transcription
// engine: a synchronous single-file call that ships audio bytes inline
// ([Recognizer]) and an asynchronous submit-poll-fetch surface that references
// the audio by URL ([Transcriber]). A third, optional surface ([Diarizer])
// covers providers that return speaker-labelled utterances in a single
// synchronous call.
//
// Implementations must be safe for concurrent use.
package asr

import "context"

// Recognizer is the synchronous single-file recognition surface.
// The audio payload is shipped inline; the provider returns plain text.
type Recognizer interface {
	// Recognize transcribes the given audio bytes. language is a hint
	// (e.g. "ru", "en"); an empty string lets the provider auto-detect.
	Recognize(ctx context.Context, audio []byte, language string) (string, error)
}

// TaskConfig describes an asynchronous transcription task.
type TaskConfig struct {
	// FileURL is a publicly fetchable (typically signed) URL of the audio.
	FileURL string

	// Model selects the provider model for this task.
	Model string

	// Language is the recognition language hint. Empty means auto-detect.
	Language string

	// Diarization enables per-sentence speaker labels in the result.
	Diarization bool

	// SpeakerCount hints the expected number of speakers (0 = unknown).
	SpeakerCount int
}

// TaskState is the lifecycle state of an asynchronous transcription task.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
)

// Terminal reports whether the task has finished, successfully or not.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// TaskStatus is a poll snapshot of an asynchronous task.
type TaskStatus struct {
	State TaskState

	// ResultURL points at the JSON transcription result document.
	// Set only when State is TaskSucceeded.
	ResultURL string

	// Message carries the provider's failure description when State is
	// TaskFailed.
	Message string
}

// Transcriber is the asynchronous submit-poll-fetch surface.
type Transcriber interface {
	// Submit enqueues a transcription task and returns its provider task id.
	Submit(ctx context.Context, cfg TaskConfig) (string, error)

	// Poll reports the current status of the task.
	Poll(ctx context.Context, taskID string) (TaskStatus, error)

	// Fetch downloads and decodes the result document a succeeded task
	// points at.
	Fetch(ctx context.Context, resultURL string) (*Transcription, error)
}

// Diarizer is a synchronous one-call diarization surface: a single request
// returns speaker-labelled segments directly.
type Diarizer interface {
	Diarize(ctx context.Context, fileURL string, language string) ([]Segment, error)
}
