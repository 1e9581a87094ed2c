// Package mock provides a scripted in-memory provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/mendhq/mend/fault"
	"github.com/mendhq/mend/provider"
)

// Step is one scripted completion outcome.
type Step struct {
	Content string
	Usage   provider.Usage
	Err     error
}

// Provider replays a script of responses in order. Once the script is
// exhausted it returns the last step repeatedly, so a single-step script
// behaves like a constant provider.
type Provider struct {
	mu       sync.Mutex
	script   []Step
	calls    int
	requests []*provider.Request
}

// New creates a scripted provider.
func New(steps ...Step) *Provider {
	return &Provider{script: steps}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "mock" }

// Complete returns the next scripted step.
func (p *Provider) Complete(_ context.Context, req *provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		return nil, fault.New(fault.Internal, "mock provider has no script")
	}
	i := p.calls
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	p.calls++

	step := p.script[i]
	if step.Err != nil {
		return nil, step.Err
	}
	usage := step.Usage
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage = provider.Usage{PromptTokens: 100, CompletionTokens: 50}
	}
	return &provider.Response{Content: step.Content, Usage: usage}, nil
}

// Calls reports how many completions were requested.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Requests returns every request seen, in order.
func (p *Provider) Requests() []*provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*provider.Request, len(p.requests))
	copy(out, p.requests)
	return out
}
