// Package mock provides test doubles for the asr package interfaces.
//
// Recognizer returns queued results call by call, Transcriber replays a
// scripted task lifecycle, and Diarizer returns a fixed segment slice. All
// types record their invocations so tests can assert call counts and
// arguments.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/stenobot/steno/pkg/provider/asr"
)

// RecognizeCall records a single invocation of Recognizer.Recognize.
type RecognizeCall struct {
	Audio    []byte
	Language string
}

// Recognizer is a mock implementation of asr.Recognizer.
//
// Results are consumed in order, one per call. When the result queue is
// exhausted the last entry is repeated; an empty queue yields "".
type Recognizer struct {
	mu sync.Mutex

	// Results are returned call by call.
	Results []string

	// Errs are paired with Results by index; a nil entry means success.
	Errs []error

	// Calls records every invocation.
	Calls []RecognizeCall

	next int
}

var _ asr.Recognizer = (*Recognizer)(nil)

// Recognize returns the next queued result or error.
func (r *Recognizer) Recognize(_ context.Context, audio []byte, language string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, RecognizeCall{Audio: append([]byte(nil), audio...), Language: language})

	i := r.next
	if i >= len(r.Results) && len(r.Results) > 0 {
		i = len(r.Results) - 1
	}
	r.next++

	if i < len(r.Errs) && r.Errs[i] != nil {
		return "", r.Errs[i]
	}
	if i < len(r.Results) {
		return r.Results[i], nil
	}
	return "", nil
}

// SubmitCall records a single invocation of Transcriber.Submit.
type SubmitCall struct {
	Cfg asr.TaskConfig
}

// Transcriber is a mock implementation of asr.Transcriber. A submitted task
// immediately reports the scripted terminal status; Fetch returns Result.
type Transcriber struct {
	mu sync.Mutex

	// TaskID is returned by Submit. Defaults to "task-1".
	TaskID string

	// SubmitErr, if non-nil, fails Submit.
	SubmitErr error

	// Status is returned by Poll. Defaults to a succeeded task pointing at
	// "mock://result".
	Status asr.TaskStatus

	// PollErr, if non-nil, fails Poll.
	PollErr error

	// Result is returned by Fetch.
	Result *asr.Transcription

	// FetchErr, if non-nil, fails Fetch.
	FetchErr error

	SubmitCalls []SubmitCall
	PollCalls   int
	FetchCalls  int
}

var _ asr.Transcriber = (*Transcriber)(nil)

// Submit records the call and returns TaskID, SubmitErr.
func (t *Transcriber) Submit(_ context.Context, cfg asr.TaskConfig) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SubmitCalls = append(t.SubmitCalls, SubmitCall{Cfg: cfg})
	if t.SubmitErr != nil {
		return "", t.SubmitErr
	}
	if t.TaskID == "" {
		return "task-1", nil
	}
	return t.TaskID, nil
}

// Poll returns the scripted status.
func (t *Transcriber) Poll(_ context.Context, _ string) (asr.TaskStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.PollCalls++
	if t.PollErr != nil {
		return asr.TaskStatus{}, t.PollErr
	}
	if t.Status.State == "" {
		return asr.TaskStatus{State: asr.TaskSucceeded, ResultURL: "mock://result"}, nil
	}
	return t.Status, nil
}

// Fetch returns the scripted result document.
func (t *Transcriber) Fetch(_ context.Context, _ string) (*asr.Transcription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.FetchCalls++
	if t.FetchErr != nil {
		return nil, t.FetchErr
	}
	if t.Result == nil {
		return nil, errors.New("mock: no result configured")
	}
	return t.Result, nil
}

// Diarizer is a mock implementation of asr.Diarizer.
type Diarizer struct {
	mu sync.Mutex

	// Segments is returned by Diarize.
	Segments []asr.Segment

	// Err, if non-nil, fails Diarize.
	Err error

	Calls int
}

var _ asr.Diarizer = (*Diarizer)(nil)

// Diarize returns the scripted segments.
func (d *Diarizer) Diarize(_ context.Context, _ string, _ string) ([]asr.Segment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Segments, nil
}
