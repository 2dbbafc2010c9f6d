package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/semem/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// DefaultMaxHistoryTokens bounds a session's conversation history when no
// provider context window is configured.
const DefaultMaxHistoryTokens = 16_384

// History tracks a session's conversation and keeps it within a token
// budget. When the estimated token count exceeds thresholdRatio ×
// maxTokens, the oldest half of the messages is compacted: summarised
// through the configured Summariser, or simply dropped when none is set.
//
// All methods are safe for concurrent use.
type History struct {
	maxTokens      int
	thresholdRatio float64
	summariser     Summariser

	mu            sync.Mutex
	currentTokens int
	messages      []types.Message
	summaries     []string
}

// HistoryConfig configures a [History].
type HistoryConfig struct {
	// MaxTokens is the conversation budget, usually derived from the
	// provider's context window. Defaults to DefaultMaxHistoryTokens.
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which compaction is
	// triggered. Defaults to 0.75 if zero or negative.
	ThresholdRatio float64

	// Summariser compresses older messages when the threshold is
	// exceeded. When nil, the oldest messages are dropped instead.
	Summariser Summariser
}

// NewHistory creates a new [History] with the given configuration.
func NewHistory(cfg HistoryConfig) *History {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxHistoryTokens
	}
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return &History{
		maxTokens:      maxTokens,
		thresholdRatio: ratio,
		summariser:     cfg.Summariser,
	}
}

// Add appends messages and estimates token count. If the accumulated
// tokens exceed threshold × maxTokens, the oldest half of the messages
// is compacted automatically.
func (h *History) Add(ctx context.Context, msgs ...types.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range msgs {
		h.messages = append(h.messages, m)
		h.currentTokens += estimateTokens(m)
	}

	threshold := int(float64(h.maxTokens) * h.thresholdRatio)
	if h.currentTokens > threshold && len(h.messages) > 1 {
		if err := h.compactOldest(ctx); err != nil {
			return fmt.Errorf("session: history compaction: %w", err)
		}
	}
	return nil
}

// Messages returns the conversation, with accumulated summaries prepended
// as system context, ready to hand to an LLM provider.
func (h *History) Messages() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]types.Message, 0, len(h.summaries)+len(h.messages))
	for _, s := range h.summaries {
		result = append(result, types.Message{
			Role:    "system",
			Content: fmt.Sprintf("[Previous conversation summary]: %s", s),
		})
	}
	result = append(result, h.messages...)
	return result
}

// TokenEstimate returns the current estimated token count, including
// summary tokens.
func (h *History) TokenEstimate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentTokens
}

// Len returns the number of raw messages currently held (summaries not
// counted).
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Reset clears all messages and summaries.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = h.messages[:0]
	h.summaries = h.summaries[:0]
	h.currentTokens = 0
}

// compactOldest compresses the oldest half of messages into a summary, or
// drops it when no summariser is configured. Must be called with h.mu
// held.
func (h *History) compactOldest(ctx context.Context) error {
	half := len(h.messages) / 2
	if half == 0 {
		half = 1
	}

	removedTokens := 0
	for _, m := range h.messages[:half] {
		removedTokens += estimateTokens(m)
	}

	if h.summariser == nil {
		h.messages = append([]types.Message(nil), h.messages[half:]...)
		h.currentTokens -= removedTokens
		return nil
	}

	toSummarise := make([]types.Message, half)
	copy(toSummarise, h.messages[:half])

	// Temporarily release the lock for the (potentially slow) LLM call.
	h.mu.Unlock()
	summary, err := h.summariser.Summarise(ctx, toSummarise)
	h.mu.Lock()
	if err != nil {
		return err
	}

	h.messages = h.messages[half:]
	h.currentTokens -= removedTokens

	h.summaries = append(h.summaries, summary)
	h.currentTokens += len(summary) / charsPerToken
	return nil
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
