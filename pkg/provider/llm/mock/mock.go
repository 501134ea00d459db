// Package mock provides a test double for the llm package interface.
package mock

import (
	"context"
	"sync"

	"github.com/stenobot/steno/pkg/provider/llm"
)

// CompleteCall records a single invocation of Provider.Complete.
type CompleteCall struct {
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider. When Fn is set it is
// invoked per call; otherwise Result and Err are returned verbatim.
type Provider struct {
	mu sync.Mutex

	// Fn, if non-nil, computes the response per call.
	Fn func(req llm.Request) (string, error)

	// Result is returned by Complete when Fn is nil.
	Result string

	// Err, if non-nil, fails Complete when Fn is nil.
	Err error

	// Calls records every invocation.
	Calls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the scripted response.
func (p *Provider) Complete(_ context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, CompleteCall{Req: req})
	fn, result, err := p.Fn, p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if err != nil {
		return "", err
	}
	return result, nil
}
