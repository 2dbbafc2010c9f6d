package openai

import (
	"testing"

	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/types"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("New() with empty API key returned nil error")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("New() with empty model returned nil error")
	}
	if _, err := New("sk-test", "gpt-4o", WithTimeout(0)); err != nil {
		t.Errorf("New() with valid args: %v", err)
	}
}

func TestToMessageRoles(t *testing.T) {
	sys, err := toMessage(types.Message{Role: "system", Content: "You are helpful."})
	if err != nil || sys.OfSystem == nil {
		t.Errorf("system message: err=%v, OfSystem nil=%v", err, sys.OfSystem == nil)
	}
	usr, err := toMessage(types.Message{Role: "user", Content: "Hello!"})
	if err != nil || usr.OfUser == nil {
		t.Errorf("user message: err=%v, OfUser nil=%v", err, usr.OfUser == nil)
	}
	ast, err := toMessage(types.Message{Role: "assistant", Content: "Hi there!", Name: "semem"})
	if err != nil || ast.OfAssistant == nil {
		t.Errorf("assistant message: err=%v, OfAssistant nil=%v", err, ast.OfAssistant == nil)
	}
}

func TestToMessageUnknownRole(t *testing.T) {
	if _, err := toMessage(types.Message{Role: "narrator", Content: "Meanwhile..."}); err == nil {
		t.Error("toMessage() accepted an unknown role")
	}
}

func TestToParamsSystemPromptLeads(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params, err := p.toParams(llm.CompletionRequest{
		SystemPrompt: "Stay factual.",
		Messages:     []types.Message{{Role: "user", Content: "What is ATP?"}},
		Temperature:  0.2,
		MaxTokens:    256,
	})
	if err != nil {
		t.Fatalf("toParams() error = %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("toParams() produced %d messages, want 2", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message is not the system prompt")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("second message is not the user question")
	}
}

func TestCountTokensHeuristic(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	tests := []struct {
		content string
		want    int
	}{
		{"", 4},          // overhead only
		{"12345678", 6},  // 8 chars, 2 tokens + overhead
		{"123456789", 7}, // rounds up
	}
	for _, tc := range tests {
		got, err := p.CountTokens([]types.Message{{Role: "user", Content: tc.content}})
		if err != nil {
			t.Fatalf("CountTokens(%q) error = %v", tc.content, err)
		}
		if got != tc.want {
			t.Errorf("CountTokens(%q) = %d, want %d", tc.content, got, tc.want)
		}
	}
}

func TestCapabilitiesByModel(t *testing.T) {
	tests := []struct {
		model string
		want  llm.ModelCapabilities
	}{
		{"gpt-4o", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
		{"gpt-4o-mini", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
		{"GPT-4-Turbo", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}},
		{"gpt-4", llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
		{"gpt-3.5-turbo", llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}},
		{"o1-mini", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
		{"o1", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
		{"o3-mini", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
		{"some-future-model", defaultCaps},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			p := &Provider{model: tc.model}
			if got := p.Capabilities(); got != tc.want {
				t.Errorf("Capabilities() = %+v, want %+v", got, tc.want)
			}
		})
	}
}
