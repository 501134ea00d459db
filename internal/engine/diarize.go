package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stenobot/steno/pkg/provider/asr"
)

// TranscribeWithDiarization produces speaker-separated text for the audio the
// signed fileURL points at. A configured synchronous diarizer is tried first;
// on error or empty output the default two-pass flow runs. When neither pass
// of the two-pass flow succeeds the error wraps [ErrDiarizationFailed] so the
// caller can fall back to plain recognition.
//
// The returned segment slice is empty when no speaker information survived.
func (e *Engine) TranscribeWithDiarization(ctx context.Context, fileURL string) (string, []asr.Segment, error) {
	if e.diarizer != nil {
		segs, err := e.diarizer.Diarize(ctx, fileURL, e.language)
		if err == nil && len(segs) > 0 {
			return asr.JoinSegments(segs), renumberSpeakers(segs), nil
		}
		slog.Warn("engine: alternate diarizer unavailable, using two-pass flow", "err", err)
	}
	return e.twoPass(ctx, fileURL)
}

// twoPass runs the speaker pass and the text pass concurrently and combines
// them per the outcome matrix: both ok merges, one ok degrades, neither fails.
func (e *Engine) twoPass(ctx context.Context, fileURL string) (string, []asr.Segment, error) {
	var (
		speakerRes, textRes *asr.Transcription
		speakerErr, textErr error
	)

	// Pass failures are folded into the outcome matrix rather than aborting
	// the sibling pass, so the group never propagates an error itself.
	var g errgroup.Group
	g.Go(func() error {
		speakerRes, speakerErr = e.runPass(ctx, asr.TaskConfig{
			FileURL:     fileURL,
			Model:       e.speakerModel,
			Diarization: true,
		})
		return nil
	})
	g.Go(func() error {
		textRes, textErr = e.runPass(ctx, asr.TaskConfig{
			FileURL:  fileURL,
			Model:    e.textModel,
			Language: e.language,
		})
		return nil
	})
	g.Wait()

	switch {
	case speakerErr == nil && textErr == nil:
		logTimelineRatio(speakerRes, textRes)
		merged := mergeSegments(speakerSegments(speakerRes), textSegments(textRes))
		return textRes.Text(), merged, nil
	case speakerErr == nil:
		slog.Warn("engine: text pass failed, keeping speaker-pass text", "err", textErr)
		segs := renumberSpeakers(speakerSegments(speakerRes))
		return speakerRes.Text(), segs, nil
	case textErr == nil:
		slog.Warn("engine: speaker pass failed, no speaker separation", "err", speakerErr)
		return textRes.Text(), nil, nil
	default:
		return "", nil, fmt.Errorf("%w: speaker pass: %w; text pass: %v",
			ErrDiarizationFailed, speakerErr, textErr)
	}
}

// runPass drives one asynchronous task through submit, poll, and fetch,
// bounded by the per-pass deadline.
func (e *Engine) runPass(ctx context.Context, cfg asr.TaskConfig) (*asr.Transcription, error) {
	ctx, cancel := context.WithTimeout(ctx, e.passDeadline)
	defer cancel()

	taskID, err := e.transcriber.Submit(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: submit task: %w", err)
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		status, err := e.transcriber.Poll(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("engine: poll task %s: %w", taskID, err)
		}
		if status.State.Terminal() {
			if status.State == asr.TaskFailed {
				return nil, fmt.Errorf("engine: task %s failed: %s", taskID, status.Message)
			}
			res, err := e.transcriber.Fetch(ctx, status.ResultURL)
			if err != nil {
				return nil, fmt.Errorf("engine: fetch task %s result: %w", taskID, err)
			}
			return res, nil
		}

		select {
		case <-ctx.Done():
			// The remote task keeps running; it is abandoned here.
			return nil, fmt.Errorf("engine: task %s abandoned: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// speakerSegments converts a speaker-pass result into segments. Sentences
// without a speaker label fall back to speaker 0.
func speakerSegments(t *asr.Transcription) []asr.Segment {
	segs := make([]asr.Segment, 0, len(t.Sentences))
	for _, s := range t.Sentences {
		spk := 0
		if s.SpeakerID != nil {
			spk = *s.SpeakerID
		}
		segs = append(segs, asr.Segment{
			Speaker: spk,
			Text:    s.Text,
			BeginMS: s.BeginMS,
			EndMS:   s.EndMS,
		})
	}
	return segs
}

// textSegments converts a text-pass result into speakerless segments, at word
// granularity when the provider emitted word timestamps.
func textSegments(t *asr.Transcription) []asr.Segment {
	var segs []asr.Segment
	for _, s := range t.Sentences {
		if len(s.Words) == 0 {
			segs = append(segs, asr.Segment{Speaker: -1, Text: s.Text, BeginMS: s.BeginMS, EndMS: s.EndMS})
			continue
		}
		for _, w := range s.Words {
			segs = append(segs, asr.Segment{
				Speaker: -1,
				Text:    w.Text + w.Punctuation,
				BeginMS: w.BeginMS,
				EndMS:   w.EndMS,
			})
		}
	}
	return segs
}

// logTimelineRatio records how far the two pass timelines disagree. The merge
// tolerates the drift by overlap, so no rescaling is applied.
func logTimelineRatio(speaker, text *asr.Transcription) {
	a := timelineEnd(speaker)
	b := timelineEnd(text)
	if a == 0 || b == 0 {
		return
	}
	slog.Debug("engine: pass timelines compared",
		"timeline_normalized", float64(a)/float64(b),
		"speaker_total_ms", a, "text_total_ms", b)
}

func timelineEnd(t *asr.Transcription) int64 {
	if t.DurationMS > 0 {
		return t.DurationMS
	}
	var end int64
	for _, s := range t.Sentences {
		if s.EndMS > end {
			end = s.EndMS
		}
	}
	return end
}
