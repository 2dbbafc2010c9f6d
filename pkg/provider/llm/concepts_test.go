package llm_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/provider/llm/mock"
)

func conceptReply(content string) *mock.Provider {
	return &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: content},
	}
}

// TestExtractConcepts verifies the happy path: a JSON array reply becomes
// lowercase labels in model order.
func TestExtractConcepts(t *testing.T) {
	p := conceptReply(`Here you go:
["Cellular Respiration", "ATP", "mitochondria"]`)

	got, err := llm.ExtractConcepts(context.Background(), p, "Mitochondria produce ATP via cellular respiration.")
	if err != nil {
		t.Fatalf("ExtractConcepts() error = %v", err)
	}
	want := []string{"cellular respiration", "atp", "mitochondria"}
	if len(got) != len(want) {
		t.Fatalf("concepts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("concept[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	req := p.CompleteCalls[0].Req
	if req.SystemPrompt == "" || !strings.Contains(req.SystemPrompt, "JSON array") {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
}

// TestExtractConcepts_ListFallback verifies that bulleted or comma-separated
// replies still parse when the model ignores the JSON instruction.
func TestExtractConcepts_ListFallback(t *testing.T) {
	p := conceptReply("- Machine Learning\n- Neural Networks\ngradient descent, backpropagation")

	got, err := llm.ExtractConcepts(context.Background(), p, "some text")
	if err != nil {
		t.Fatalf("ExtractConcepts() error = %v", err)
	}
	want := []string{"machine learning", "neural networks", "gradient descent", "backpropagation"}
	if len(got) != len(want) {
		t.Fatalf("concepts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("concept[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestExtractConcepts_Deduplicates verifies that exact and fuzzy
// near-duplicate labels collapse into the first occurrence.
func TestExtractConcepts_Deduplicates(t *testing.T) {
	p := conceptReply(`["neural network", "ATP", "atp", "neural networks", "dna"]`)

	got, err := llm.ExtractConcepts(context.Background(), p, "text")
	if err != nil {
		t.Fatalf("ExtractConcepts() error = %v", err)
	}
	want := []string{"neural network", "atp", "dna"}
	if len(got) != len(want) {
		t.Fatalf("concepts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("concept[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestExtractConcepts_LengthCap verifies that an overlong label is truncated
// to the rune cap.
func TestExtractConcepts_LengthCap(t *testing.T) {
	long := strings.Repeat("abc ", 30) // 120 chars
	p := conceptReply(`["` + long + `"]`)

	got, err := llm.ExtractConcepts(context.Background(), p, "text")
	if err != nil {
		t.Fatalf("ExtractConcepts() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("concepts = %v, want one label", got)
	}
	if n := len([]rune(got[0])); n > llm.MaxConceptLength {
		t.Errorf("label length = %d runes, want <= %d", n, llm.MaxConceptLength)
	}
}

// TestExtractConcepts_EmptyText verifies that blank input short-circuits
// without a provider call.
func TestExtractConcepts_EmptyText(t *testing.T) {
	p := &mock.Provider{}
	got, err := llm.ExtractConcepts(context.Background(), p, "   ")
	if err != nil || got != nil {
		t.Errorf("ExtractConcepts() = %v, %v; want nil, nil", got, err)
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("Complete called %d times for blank text", len(p.CompleteCalls))
	}
}

// TestExtractConcepts_ProviderError verifies that provider failures
// propagate wrapped so callers can decide between lazy storage and an
// empty seed set.
func TestExtractConcepts_ProviderError(t *testing.T) {
	wantErr := errors.New("backend down")
	p := &mock.Provider{CompleteErr: wantErr}

	_, err := llm.ExtractConcepts(context.Background(), p, "text")
	if !errors.Is(err, wantErr) {
		t.Errorf("ExtractConcepts() error = %v, want wrapped %v", err, wantErr)
	}
}

// TestExtractConcepts_UnparseableReply verifies that a reply with no usable
// labels yields an empty set rather than an error.
func TestExtractConcepts_UnparseableReply(t *testing.T) {
	p := conceptReply("::: :::")
	got, err := llm.ExtractConcepts(context.Background(), p, "text")
	if err != nil {
		t.Fatalf("ExtractConcepts() error = %v", err)
	}
	if got != nil {
		t.Errorf("concepts = %v, want nil", got)
	}
}
