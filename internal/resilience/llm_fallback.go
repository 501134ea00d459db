package resilience

import (
	"context"

	"github.com/stenobot/steno/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that delegates to a chain of providers,
// returning the first successful completion.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback creates a chain with primary at the head.
func NewLLMFallback(primaryName string, primary llm.Provider) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup[llm.Provider]("llm", primaryName, primary),
	}
}

// Add appends a lower-priority provider.
func (f *LLMFallback) Add(name string, p llm.Provider) {
	f.group.Add(name, p)
}

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.Request) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (string, error) {
		return p.Complete(ctx, req)
	})
}
