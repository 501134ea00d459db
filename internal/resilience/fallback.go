package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every provider in a fallback group failed or
// was skipped because its breaker is open.
var ErrAllFailed = errors.New("all providers in fallback group failed")

// fallbackEntry pairs one provider with its circuit breaker.
type fallbackEntry[T any] struct {
	name     string
	provider T
	breaker  *CircuitBreaker
}

// FallbackGroup tries providers in priority order, skipping any whose breaker
// is open. The first successful call wins.
type FallbackGroup[T any] struct {
	label   string
	entries []fallbackEntry[T]
}

// NewFallbackGroup creates a group labelled for logging with a primary
// provider at the head of the chain.
func NewFallbackGroup[T any](label, primaryName string, primary T) *FallbackGroup[T] {
	g := &FallbackGroup[T]{label: label}
	g.Add(primaryName, primary)
	return g
}

// Add appends a lower-priority provider to the chain.
func (g *FallbackGroup[T]) Add(name string, provider T) {
	g.entries = append(g.entries, fallbackEntry[T]{
		name:     name,
		provider: provider,
		breaker: NewCircuitBreaker(CircuitBreakerConfig{
			Name: g.label + "/" + name,
		}),
	})
}

// Len reports the number of providers in the chain.
func (g *FallbackGroup[T]) Len() int { return len(g.entries) }

// Execute runs fn against each provider in order until one succeeds. Providers
// with an open breaker are skipped without counting as attempts against them.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(ctx context.Context, provider T) error) error {
	var lastErr error
	for _, e := range g.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.breaker.Execute(func() error {
			return fn(ctx, e.provider)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider with open breaker",
				"group", g.label, "provider", e.name)
		} else {
			slog.Warn("provider failed, trying next",
				"group", g.label, "provider", e.name, "err", err)
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: last error: %w", ErrAllFailed, lastErr)
	}
	return ErrAllFailed
}

// ExecuteWithResult runs fn against each provider in group until one returns a
// result, mirroring [FallbackGroup.Execute] for calls that produce a value.
func ExecuteWithResult[T, R any](ctx context.Context, group *FallbackGroup[T], fn func(ctx context.Context, provider T) (R, error)) (R, error) {
	var result R
	err := group.Execute(ctx, func(ctx context.Context, provider T) error {
		r, err := fn(ctx, provider)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
