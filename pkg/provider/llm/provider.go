// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform
// interface for answer synthesis, concept extraction, and hypothetical
// document expansion without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/MrWong99/semem/pkg/types"
)

// Usage is the backend's token accounting for one completion. Counts are
// in the model's own token unit, so the same text can score differently
// across providers.
type Usage struct {
	// PromptTokens covers the system prompt plus all input messages.
	PromptTokens int

	// CompletionTokens covers the generated reply.
	CompletionTokens int

	// TotalTokens is the sum of the two. Some backends report it directly;
	// adapters for the rest compute it.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Messages must be non-empty; a zero-value request is invalid.
type CompletionRequest struct {
	// Messages is the conversation in order. The final entry carries the
	// question or instruction the reply should address.
	Messages []types.Message

	// Temperature sets decoding randomness, 0.0 to 2.0. Zero asks for
	// near-deterministic output, which synthesis and extraction prefer.
	Temperature float64

	// MaxTokens limits the reply length. Zero defers to the provider,
	// which usually means the model's MaxOutputTokens.
	MaxTokens int

	// SystemPrompt is injected ahead of Messages. Adapters map it to the
	// backend's native system slot where one exists, or prepend it as a
	// "system"-role message where one does not.
	SystemPrompt string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities reports the static limits of a model.
type ModelCapabilities struct {
	// ContextWindow is the total token budget shared by input and output.
	ContextWindow int

	// MaxOutputTokens bounds a single completion.
	MaxOutputTokens int
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must return promptly once ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many context-window tokens the message
	// list would consume. Retrieval uses the estimate to trim grounded
	// context before synthesis, so overcounting is safe and undercounting
	// is not; a local approximation is acceptable.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities reports static limits of the underlying model. The
	// result must not change for the lifetime of the Provider.
	Capabilities() ModelCapabilities
}
