// Package hyde implements hypothetical document expansion (HyDE) as a
// knowledge provider.
//
// Instead of querying an external corpus, HyDE asks an LLM to write the
// passage that would answer the question. The generated passage is a much
// better vector-search probe than the question itself because it lives in
// the same embedding region as real answers. Retrieval uses it to widen the
// candidate set only; the passage is never cited as a source.
package hyde

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/MrWong99/semem/pkg/provider/knowledge"
	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/types"
)

// hydePrompt instructs the model to produce a retrieval probe, not an
// answer for the user: no hedging, no preamble, just prose that would
// plausibly sit next to the real answer in embedding space.
const hydePrompt = `Write a short factual passage (3-5 sentences) that would plausibly appear in a reference work answering the user's question. Write only the passage, with no preamble, headings, or caveats. If the question cannot be answered factually, write the closest factual background passage instead.`

const (
	// DefaultTemperature favours fluent, varied prose over determinism;
	// the passage is a search probe, not a user-visible answer.
	DefaultTemperature = 0.7

	// DefaultMaxTokens caps generation well below answer length. A few
	// sentences are enough to steer the vector search.
	DefaultMaxTokens = 256
)

// Ensure Provider implements the knowledge.Provider interface at compile time.
var _ knowledge.Provider = (*Provider)(nil)

// Provider implements knowledge.Provider by generating hypothetical answer
// passages with an LLM.
//
// Provider is safe for concurrent use if the underlying llm.Provider is.
type Provider struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithTemperature overrides the generation temperature.
func WithTemperature(t float64) Option {
	return func(p *Provider) {
		p.temperature = t
	}
}

// WithMaxTokens overrides the generation token cap.
func WithMaxTokens(n int) Option {
	return func(p *Provider) {
		p.maxTokens = n
	}
}

// New constructs a HyDE Provider on top of the given LLM provider.
func New(provider llm.Provider, opts ...Option) (*Provider, error) {
	if provider == nil {
		return nil, fmt.Errorf("hyde: llm provider must not be nil")
	}
	p := &Provider{
		llm:         provider,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements knowledge.Provider.
func (p *Provider) Name() string {
	return "hyde"
}

// Lookup implements knowledge.Provider by generating a single hypothetical
// passage for question. The result ID is a stable hash of the question so
// repeated expansions map to the same record. A blank question or an empty
// generation returns (nil, nil).
func (p *Provider) Lookup(ctx context.Context, question string) ([]knowledge.Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, nil
	}

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: question}},
		Temperature:  p.temperature,
		MaxTokens:    p.maxTokens,
		SystemPrompt: hydePrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("hyde: complete: %w", err)
	}
	if resp == nil {
		return nil, nil
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, nil
	}

	return []knowledge.Result{{
		ID:      hypothesisID(question),
		Title:   "Hypothetical answer",
		Content: content,
	}}, nil
}

// hypothesisID derives a stable identifier from the lowercased question.
func hypothesisID(question string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(question)))
	return hex.EncodeToString(sum[:8])
}
