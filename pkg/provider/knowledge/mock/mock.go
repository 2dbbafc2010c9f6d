// Package mock provides a test double for the knowledge.Provider interface.
//
// Use Provider in unit tests to feed controlled external-knowledge results
// and to verify the questions callers send, without a live API. All fields
// are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    LookupResults: []knowledge.Result{{ID: "Q937", Content: "…"}},
//	}
//	results, err := p.Lookup(ctx, "Who was Albert Einstein?")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/semem/pkg/provider/knowledge"
)

// LookupCall records a single invocation of Lookup.
type LookupCall struct {
	// Ctx is the context passed to Lookup.
	Ctx context.Context
	// Question is the question passed to Lookup.
	Question string
}

// Provider is a mock implementation of knowledge.Provider.
// Zero values for response fields cause methods to return zero values and nil errors.
// Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// NameValue is returned by Name. Defaults to "mock" when empty.
	NameValue string

	// LookupFunc, when non-nil, computes the results of Lookup from the
	// question. Useful for tests that need per-question answers.
	// LookupErr still takes precedence.
	LookupFunc func(question string) []knowledge.Result

	// LookupResults is returned by Lookup when LookupFunc is nil.
	LookupResults []knowledge.Result

	// LookupErr, if non-nil, is returned as the error from Lookup.
	LookupErr error

	// --- Call records (read after test) ---

	// LookupCalls records every invocation of Lookup in order.
	LookupCalls []LookupCall
}

// Name returns NameValue, or "mock" when unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// Lookup records the call and returns LookupFunc(question) or LookupResults,
// LookupErr.
func (p *Provider) Lookup(ctx context.Context, question string) ([]knowledge.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LookupCalls = append(p.LookupCalls, LookupCall{Ctx: ctx, Question: question})
	if p.LookupErr != nil {
		return nil, p.LookupErr
	}
	if p.LookupFunc != nil {
		return p.LookupFunc(question), nil
	}
	return p.LookupResults, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LookupCalls = nil
}

// Ensure Provider implements knowledge.Provider at compile time.
var _ knowledge.Provider = (*Provider)(nil)
