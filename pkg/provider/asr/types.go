package asr

import "strings"

// NoSpeechSentinel is the literal transcript some recognition backends
// return for audio without speech instead of an empty result. Consumers
// should treat a transcript equal to it (case-insensitively) as empty.
const NoSpeechSentinel = "no speech detected"

// Segment is a speaker-attributed span of transcribed speech.
// Speaker ids are small integers, dense from 0 in order of first appearance
// once a segment sequence has passed through the engine's merge step.
type Segment struct {
	// Speaker is the speaker label. -1 means no speaker information.
	Speaker int

	// Text is the transcribed content of the span.
	Text string

	// BeginMS and EndMS bound the span on the audio timeline, in
	// milliseconds. The interval is half-open: [BeginMS, EndMS).
	BeginMS int64
	EndMS   int64
}

// Word is a word-level timestamp from providers that emit them.
type Word struct {
	Text        string
	Punctuation string
	BeginMS     int64
	EndMS       int64
}

// Sentence is one sentence of a transcription result document.
type Sentence struct {
	Text    string
	BeginMS int64
	EndMS   int64

	// SpeakerID is the provider speaker label; nil when diarization was not
	// requested or the provider returned none.
	SpeakerID *int

	// Words holds word-level timestamps when the provider supports them.
	Words []Word
}

// Transcription is the decoded result document of an asynchronous task.
type Transcription struct {
	Sentences  []Sentence
	DurationMS int64
}

// Text joins all sentence texts with single spaces, skipping empties.
func (t *Transcription) Text() string {
	parts := make([]string, 0, len(t.Sentences))
	for _, s := range t.Sentences {
		if strings.TrimSpace(s.Text) != "" {
			parts = append(parts, strings.TrimSpace(s.Text))
		}
	}
	return strings.Join(parts, " ")
}

// JoinSegments joins segment texts with single spaces, skipping empties.
func JoinSegments(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if strings.TrimSpace(s.Text) != "" {
			parts = append(parts, strings.TrimSpace(s.Text))
		}
	}
	return strings.Join(parts, " ")
}
