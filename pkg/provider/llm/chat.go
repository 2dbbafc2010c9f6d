package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/semem/pkg/types"
)

// ChatOptions tunes a [Chat] call. The zero value requests greedy decoding
// with the provider's default output cap, which suits grounded synthesis.
type ChatOptions struct {
	// Temperature controls output randomness; 0 requests greedy decoding.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int

	// SystemPrompt is injected ahead of the conversation when set.
	SystemPrompt string
}

// Chat sends a single-turn prompt to the provider and returns the reply
// text. Context blocks, when given, are numbered and prepended so the model
// can cite them; the caller controls their content and ordering.
func Chat(ctx context.Context, p Provider, prompt string, contextBlocks []string, opts ChatOptions) (string, error) {
	if p == nil {
		return "", errors.New("llm: chat: provider must not be nil")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("llm: chat: empty prompt")
	}

	content := prompt
	if len(contextBlocks) > 0 {
		var b strings.Builder
		b.WriteString("Context:\n")
		for i, block := range contextBlocks {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(block))
		}
		b.WriteString("\n")
		b.WriteString(prompt)
		content = b.String()
	}

	resp, err := p.Complete(ctx, CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: content}},
		Temperature:  opts.Temperature,
		MaxTokens:    opts.MaxTokens,
		SystemPrompt: opts.SystemPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("llm: chat: %w", err)
	}
	if resp == nil {
		return "", errors.New("llm: chat: provider returned no response")
	}
	return strings.TrimSpace(resp.Content), nil
}
