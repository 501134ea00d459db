package resilience

import (
	"context"
	"errors"

	"github.com/stenobot/steno/pkg/provider/asr"
)

// errNoSegments makes an empty diarization result count as a provider failure
// so the chain advances to the next entry.
var errNoSegments = errors.New("diarizer returned no segments")

// DiarizerFallback is an [asr.Diarizer] that tries configured alternates in
// order and treats an empty segment list the same as an error. The default
// provider sits at the tail of the chain.
type DiarizerFallback struct {
	group *FallbackGroup[asr.Diarizer]
}

// NewDiarizerFallback creates a chain with primary at the head.
func NewDiarizerFallback(primaryName string, primary asr.Diarizer) *DiarizerFallback {
	return &DiarizerFallback{
		group: NewFallbackGroup[asr.Diarizer]("diarizer", primaryName, primary),
	}
}

// Add appends a lower-priority diarizer.
func (f *DiarizerFallback) Add(name string, d asr.Diarizer) {
	f.group.Add(name, d)
}

// Diarize implements [asr.Diarizer].
func (f *DiarizerFallback) Diarize(ctx context.Context, fileURL, language string) ([]asr.Segment, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, d asr.Diarizer) ([]asr.Segment, error) {
		segs, err := d.Diarize(ctx, fileURL, language)
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			return nil, errNoSegments
		}
		return segs, nil
	})
}
