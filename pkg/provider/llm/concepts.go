package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/MrWong99/semem/pkg/types"
	"github.com/antzucaro/matchr"
)

// MaxConceptLength caps each extracted concept label, in runes.
const MaxConceptLength = 64

const (
	// maxConcepts bounds the labels kept from one extraction, however
	// talkative the model is.
	maxConcepts = 16

	// conceptSimilarity is the Jaro-Winkler score at or above which two
	// labels count as the same concept.
	conceptSimilarity = 0.92

	conceptMaxTokens = 256
)

const conceptSystemPrompt = `Extract the key concepts from the user's text.
Respond with only a JSON array of short lowercase labels, most important
first, at most 10. Example: ["cellular respiration","atp","mitochondria"]`

// ExtractConcepts asks the model for the key concepts in text and returns
// them as lowercase, deduplicated labels in the model's order, each at most
// [MaxConceptLength] runes. Labels that are near-duplicates of an earlier
// one (Jaro-Winkler) are collapsed into it.
func ExtractConcepts(ctx context.Context, p Provider, text string) ([]string, error) {
	if p == nil {
		return nil, errors.New("llm: extract concepts: provider must not be nil")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	resp, err := p.Complete(ctx, CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: text}},
		MaxTokens:    conceptMaxTokens,
		SystemPrompt: conceptSystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: extract concepts: %w", err)
	}
	if resp == nil {
		return nil, nil
	}
	return parseConcepts(resp.Content), nil
}

// parseConcepts turns a model reply into clean labels: the embedded JSON
// array when the model followed instructions, otherwise one label per line
// or comma-separated item.
func parseConcepts(reply string) []string {
	labels := jsonLabels(reply)
	if labels == nil {
		labels = splitLabels(reply)
	}

	out := make([]string, 0, len(labels))
	for _, raw := range labels {
		label := cleanLabel(raw)
		if label == "" {
			continue
		}
		if isDuplicate(label, out) {
			continue
		}
		out = append(out, label)
		if len(out) == maxConcepts {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// jsonLabels extracts the first JSON string array embedded in the reply,
// or nil when none parses.
func jsonLabels(reply string) []string {
	start := strings.IndexByte(reply, '[')
	end := strings.LastIndexByte(reply, ']')
	if start < 0 || end <= start {
		return nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(reply[start:end+1]), &labels); err != nil {
		return nil
	}
	return labels
}

// splitLabels falls back to line- and comma-separated parsing for models
// that ignore the JSON instruction.
func splitLabels(reply string) []string {
	return strings.FieldsFunc(reply, func(r rune) bool {
		return r == '\n' || r == ',' || r == ';'
	})
}

// cleanLabel normalises one raw label: strip list markers and quotes, fold
// to lowercase, collapse inner whitespace, truncate to the length cap.
// Labels without a single letter or digit are discarded as noise.
func cleanLabel(raw string) string {
	label := strings.TrimSpace(raw)
	label = strings.TrimLeft(label, "-*•0123456789.) ")
	label = strings.TrimFunc(label, func(r rune) bool {
		return r == '"' || r == '\'' || r == '`' || unicode.IsSpace(r)
	})
	label = strings.ToLower(strings.Join(strings.Fields(label), " "))
	if !strings.ContainsFunc(label, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) {
		return ""
	}
	if runes := []rune(label); len(runes) > MaxConceptLength {
		label = strings.TrimSpace(string(runes[:MaxConceptLength]))
	}
	return label
}

// isDuplicate reports whether label exactly matches or is a fuzzy
// near-duplicate of a kept label.
func isDuplicate(label string, kept []string) bool {
	for _, k := range kept {
		if k == label || matchr.JaroWinkler(label, k, false) >= conceptSimilarity {
			return true
		}
	}
	return false
}
