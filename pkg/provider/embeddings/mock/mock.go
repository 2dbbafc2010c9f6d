// Package mock is a test double for embeddings.Provider.
//
// Tests configure the vectors to hand back, either as fixed values or as a
// function of the input text, and can afterwards inspect exactly which texts
// were submitted:
//
//	p := &mock.Provider{
//	    EmbedFunc:       func(text string) []float32 { return []float32{float32(len(text))} },
//	    DimensionsValue: 1,
//	    ModelIDValue:    "test-embed-v1",
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/semem/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// EmbedCall is one recorded Embed invocation.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// EmbedBatchCall is one recorded EmbedBatch invocation. Texts is copied, so
// later mutation of the caller's slice does not corrupt the record.
type EmbedBatchCall struct {
	Ctx   context.Context
	Texts []string
}

// Provider is a configurable in-memory embeddings.Provider. The zero value
// is usable and returns empty vectors. Safe for concurrent use.
//
// Response precedence for Embed and the per-element path of EmbedBatch:
// the error field first, then EmbedFunc, then the fixed result.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc derives a vector from the input text. Lets a test hand out
	// distinct deterministic vectors per input.
	EmbedFunc func(text string) []float32

	// EmbedResult is the fixed vector Embed falls back to.
	EmbedResult []float32

	// EmbedErr makes Embed fail.
	EmbedErr error

	// EmbedBatchResult is the fixed answer for EmbedBatch. When nil and
	// EmbedFunc is also nil, EmbedBatch returns len(texts) nil vectors.
	EmbedBatchResult [][]float32

	// EmbedBatchErr makes EmbedBatch fail.
	EmbedBatchErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// Call records, in invocation order.
	EmbedCalls          []EmbedCall
	EmbedBatchCalls     []EmbedBatchCall
	DimensionsCallCount int
	ModelIDCallCount    int
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	switch {
	case p.EmbedErr != nil:
		return nil, p.EmbedErr
	case p.EmbedFunc != nil:
		return p.EmbedFunc(text), nil
	default:
		return p.EmbedResult, nil
	}
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := EmbedBatchCall{Ctx: ctx, Texts: make([]string, len(texts))}
	copy(rec.Texts, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, rec)

	switch {
	case p.EmbedBatchErr != nil:
		return nil, p.EmbedBatchErr
	case p.EmbedFunc != nil:
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = p.EmbedFunc(text)
		}
		return out, nil
	case p.EmbedBatchResult != nil:
		return p.EmbedBatchResult, nil
	default:
		// Right length, nil vectors.
		return make([][]float32, len(texts)), nil
	}
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DimensionsCallCount++
	return p.DimensionsValue
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ModelIDCallCount++
	return p.ModelIDValue
}

// Reset clears all recorded calls but keeps the configured responses.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
	p.DimensionsCallCount = 0
	p.ModelIDCallCount = 0
}
