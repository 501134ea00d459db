// Package format post-processes raw transcription text with a large language
// model: punctuation, paragraphing, seam removal for chunked input, and
// dialogue layout. The formatter never fails a job; on provider failure the
// input text is returned unchanged.
package format

import (
	"context"
	"html"
	"log/slog"
	"strings"

	"github.com/stenobot/steno/pkg/provider/llm"
)

// minWords is the input size below which formatting is skipped entirely.
const minWords = 10

// Options selects the prompt variant.
type Options struct {
	// CodeTags marks the result for monospace delivery. It does not alter
	// the prompt; delivery wraps each message part via [WrapCode].
	CodeTags bool

	// PreserveDiacriticE keeps the letter ё. When false the model is told
	// to replace it with е.
	PreserveDiacriticE bool

	// Chunked adds an instruction to smooth seams between concatenated
	// recognition fragments.
	Chunked bool

	// Dialogue switches to utterance-per-line output with em-dash prefixes.
	Dialogue bool
}

// Formatter runs one LLM provider (or a fallback chain wrapped as one).
type Formatter struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
}

// Option is a functional option for Formatter.
type Option func(*Formatter)

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(f *Formatter) { f.temperature = t }
}

// WithMaxTokens overrides the completion token cap.
func WithMaxTokens(n int) Option {
	return func(f *Formatter) { f.maxTokens = n }
}

// New creates a Formatter over the given provider.
func New(provider llm.Provider, opts ...Option) *Formatter {
	f := &Formatter{
		provider:    provider,
		temperature: 0.3,
		maxTokens:   8192,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Format rewrites text according to opts. Inputs under ten words are returned
// as-is, as is the input whenever the provider fails or returns nothing.
func (f *Formatter) Format(ctx context.Context, text string, opts Options) string {
	if len(strings.Fields(text)) < minWords {
		return text
	}

	out, err := f.provider.Complete(ctx, llm.Request{
		Prompt:      buildPrompt(text, opts),
		Temperature: f.temperature,
		MaxTokens:   f.maxTokens,
	})
	if err != nil {
		slog.Warn("format: provider failed, returning raw text", "err", err)
		return text
	}
	out = strings.TrimSpace(out)
	if out == "" {
		slog.Warn("format: provider returned empty completion, returning raw text")
		return text
	}
	return out
}

// buildPrompt assembles the single instruction string sent to the model.
func buildPrompt(text string, opts Options) string {
	var b strings.Builder
	b.WriteString("You are a transcription editor. Rewrite the transcript below applying these rules:\n")
	b.WriteString("- Correct obvious speech recognition errors without changing word choice.\n")
	b.WriteString("- Add punctuation.\n")
	b.WriteString("- Break into paragraphs by meaning; never produce one-sentence paragraphs.\n")
	b.WriteString("- Be conservative with proper nouns: keep them as recognized unless clearly wrong.\n")
	b.WriteString("- Resolve ж/ш and similar sibilant ambiguity only when the correction is unambiguous.\n")

	if opts.PreserveDiacriticE {
		b.WriteString("- Preserve the letter ё wherever it occurs.\n")
	} else {
		b.WriteString("- Replace the letter ё with е everywhere.\n")
	}
	if opts.Chunked {
		b.WriteString("- The text was transcribed in fragments; smooth out broken or duplicated words at fragment seams.\n")
	}
	if opts.Dialogue {
		b.WriteString("- This is a dialogue: put each utterance on its own line prefixed with an em-dash (—). Do not add speaker names or tags.\n")
	} else {
		b.WriteString("- Do not use em-dashes to mark utterances; this is not a dialogue.\n")
	}

	b.WriteString("\nReturn only the rewritten transcript, no commentary.\n\nTranscript:\n")
	b.WriteString(text)
	return b.String()
}

// WrapCode wraps one outgoing message part in the platform's monospace markup.
// The content is HTML-escaped because delivery switches to HTML parse mode.
func WrapCode(s string) string {
	return "<pre>" + html.EscapeString(s) + "</pre>"
}
