package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/MrWong99/semem/pkg/types"
)

// MaxAttributeLength caps each attribute key and value, in runes.
const MaxAttributeLength = 128

const (
	// maxAttributes bounds the pairs kept from one extraction.
	maxAttributes = 16

	attributeMaxTokens = 384
)

const attributeSystemPrompt = `Extract the key attributes of the subject of the
user's text as short key/value pairs. Respond with only a flat JSON object of
lowercase string keys and string values, at most 10 pairs.
Example: {"type":"organelle","function":"energy production"}`

// ExtractAttributes asks the model for the salient attributes in text and
// returns them as a flat map of lowercase keys to trimmed values, each at
// most [MaxAttributeLength] runes.
func ExtractAttributes(ctx context.Context, p Provider, text string) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("llm: extract attributes: provider must not be nil")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	resp, err := p.Complete(ctx, CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: text}},
		MaxTokens:    attributeMaxTokens,
		SystemPrompt: attributeSystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: extract attributes: %w", err)
	}
	if resp == nil {
		return nil, nil
	}
	return parseAttributes(resp.Content), nil
}

// parseAttributes turns a model reply into clean pairs: the embedded JSON
// object when the model followed instructions, otherwise one "key: value"
// pair per line.
func parseAttributes(reply string) map[string]string {
	pairs := jsonPairs(reply)
	if pairs == nil {
		pairs = linePairs(reply)
	}

	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key := cleanAttribute(p[0])
		value := cleanAttribute(p[1])
		if key == "" || value == "" {
			continue
		}
		if _, ok := out[strings.ToLower(key)]; ok {
			continue
		}
		out[strings.ToLower(key)] = value
		if len(out) == maxAttributes {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// jsonPairs extracts the first JSON string object embedded in the reply
// as ordered pairs, or nil when none parses.
func jsonPairs(reply string) [][2]string {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return nil
	}
	var obj map[string]string
	if err := json.Unmarshal([]byte(reply[start:end+1]), &obj); err != nil {
		return nil
	}
	// Deterministic intake order: JSON maps carry none of their own.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]string, 0, len(obj))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, obj[k]})
	}
	return pairs
}

// linePairs falls back to "key: value" line parsing for models that
// ignore the JSON instruction.
func linePairs(reply string) [][2]string {
	var pairs [][2]string
	for _, line := range strings.Split(reply, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs
}

// cleanAttribute normalises one raw key or value: strip list markers and
// quotes, collapse inner whitespace, truncate to the length cap. Entries
// without a single letter or digit are discarded as noise.
func cleanAttribute(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "-*• ")
	s = strings.TrimFunc(s, func(r rune) bool {
		return r == '"' || r == '\'' || r == '`' || r == ',' || unicode.IsSpace(r)
	})
	s = strings.Join(strings.Fields(s), " ")
	if !strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) {
		return ""
	}
	if runes := []rune(s); len(runes) > MaxAttributeLength {
		s = strings.TrimSpace(string(runes[:MaxAttributeLength]))
	}
	return s
}
