// Package llm defines the narrow Provider interface for the text-formatting
// language model backends.
//
// The formatter needs exactly one capability: send a prompt, get text back.
// Streaming, tool calling, and conversation history are deliberately out of
// scope; the formatter builds a single self-contained prompt per call.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Request carries a single prompt and its generation parameters.
type Request struct {
	// Prompt is the full prompt text, including all instructions.
	Prompt string

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Provider is the abstraction over any text-generation backend.
type Provider interface {
	// Complete sends the request and returns the generated text.
	Complete(ctx context.Context, req Request) (string, error)
}
