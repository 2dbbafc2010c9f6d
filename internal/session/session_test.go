package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/semem/pkg/provider/llm"
	llmmock "github.com/MrWong99/semem/pkg/provider/llm/mock"
	"github.com/MrWong99/semem/pkg/types"
)

type stubSummariser struct {
	summary string
	err     error
	calls   [][]types.Message
}

func (s *stubSummariser) Summarise(_ context.Context, msgs []types.Message) (string, error) {
	s.calls = append(s.calls, msgs)
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func msg(content string) types.Message {
	return types.Message{Role: "user", Content: content}
}

func TestHistory_Add_TracksTokens(t *testing.T) {
	h := NewHistory(HistoryConfig{MaxTokens: 1000})

	if err := h.Add(context.Background(), msg("aaaa")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	// "aaaa" + role "user" = 8 chars = 2 tokens.
	if got := h.TokenEstimate(); got != 2 {
		t.Errorf("TokenEstimate() = %d, want 2", got)
	}
	if got := h.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestHistory_Add_CompactsWithSummariser(t *testing.T) {
	sum := &stubSummariser{summary: "sum"}
	h := NewHistory(HistoryConfig{MaxTokens: 40, ThresholdRatio: 0.5, Summariser: sum})
	ctx := context.Background()

	// Each message is 24 chars = 6 tokens; the 4th crosses the threshold
	// of 20 and triggers compaction of the oldest two.
	for i := 0; i < 4; i++ {
		if err := h.Add(ctx, msg("12345678901234567890")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	if len(sum.calls) != 1 || len(sum.calls[0]) != 2 {
		t.Fatalf("summariser calls = %d with %d messages, want 1 call with 2", len(sum.calls), len(sum.calls[0]))
	}
	if got := h.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2 after compaction", got)
	}

	msgs := h.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Messages() returned %d, want 3 (summary + 2 remaining)", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "sum") {
		t.Errorf("Messages()[0] = %+v, want summary system message", msgs[0])
	}
}

func TestHistory_Add_DropsOldestWithoutSummariser(t *testing.T) {
	h := NewHistory(HistoryConfig{MaxTokens: 40, ThresholdRatio: 0.5})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := h.Add(ctx, msg("12345678901234567890")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	if got := h.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2 after dropping oldest half", got)
	}
	if got := h.TokenEstimate(); got != 12 {
		t.Errorf("TokenEstimate() = %d, want 12", got)
	}
	if msgs := h.Messages(); len(msgs) != 2 {
		t.Errorf("Messages() returned %d, want 2 (no summaries)", len(msgs))
	}
}

func TestHistory_Add_SummariserErrorPropagates(t *testing.T) {
	sum := &stubSummariser{err: errors.New("model offline")}
	h := NewHistory(HistoryConfig{MaxTokens: 40, ThresholdRatio: 0.5, Summariser: sum})
	ctx := context.Background()

	var err error
	for i := 0; i < 4 && err == nil; i++ {
		err = h.Add(ctx, msg("12345678901234567890"))
	}
	if err == nil || !strings.Contains(err.Error(), "compaction") {
		t.Errorf("Add() error = %v, want compaction error", err)
	}
}

func TestHistory_Reset(t *testing.T) {
	h := NewHistory(HistoryConfig{})
	if err := h.Add(context.Background(), msg("hello")); err != nil {
		t.Fatal(err)
	}
	h.Reset()
	if h.Len() != 0 || h.TokenEstimate() != 0 || len(h.Messages()) != 0 {
		t.Error("Reset() did not clear the history")
	}
}

func TestSession_Touch_UpdatesLastAccess(t *testing.T) {
	s := newSession("sess-a", NewHistory(HistoryConfig{}))
	before := s.LastAccess()
	time.Sleep(5 * time.Millisecond)
	s.Touch()
	if !s.LastAccess().After(before) {
		t.Error("LastAccess() did not advance after Touch()")
	}
	if s.ID() != "sess-a" {
		t.Errorf("ID() = %q", s.ID())
	}
}

func TestSession_Serialize_MutualExclusion(t *testing.T) {
	s := newSession("sess-a", NewHistory(HistoryConfig{}))

	var inCritical atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Serialize(func() error {
				if inCritical.Add(1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(time.Millisecond)
				inCritical.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if overlapped.Load() {
		t.Error("Serialize() allowed overlapping execution")
	}
}

func TestRegistry_GetOrCreate_ReturnsSameSession(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	a := r.GetOrCreate("sess-a")
	b := r.GetOrCreate("sess-a")
	if a != b {
		t.Error("GetOrCreate() returned different sessions for one ID")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	if _, ok := r.Get("sess-a"); !ok {
		t.Error("Get() did not find the session")
	}
	if _, ok := r.Get("sess-missing"); ok {
		t.Error("Get() found a session that was never created")
	}
}

func TestRegistry_IDs_Sorted(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	r.GetOrCreate("sess-b")
	r.GetOrCreate("sess-a")

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "sess-a" || ids[1] != "sess-b" {
		t.Errorf("IDs() = %v", ids)
	}
}

func TestRegistry_Sweep_EvictsIdleAndRunsHooks(t *testing.T) {
	r := NewRegistry(RegistryConfig{TTL: time.Hour})
	var evicted []string
	r.OnEvict(func(id string) { evicted = append(evicted, id) })

	r.GetOrCreate("sess-b")
	r.GetOrCreate("sess-a")

	if n := r.sweep(time.Now()); n != 0 {
		t.Errorf("sweep() of fresh sessions evicted %d", n)
	}
	if n := r.sweep(time.Now().Add(2 * time.Hour)); n != 2 {
		t.Errorf("sweep() after the TTL evicted %d, want 2", n)
	}
	if len(evicted) != 2 || evicted[0] != "sess-a" || evicted[1] != "sess-b" {
		t.Errorf("eviction hooks ran for %v, want sorted [sess-a sess-b]", evicted)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after sweep", r.Len())
	}
}

func TestRegistry_Evict_Manual(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	var hooks atomic.Int32
	r.OnEvict(func(string) { hooks.Add(1) })

	r.GetOrCreate("sess-a")
	if !r.Evict("sess-a") {
		t.Error("Evict() = false for a live session")
	}
	if r.Evict("sess-a") {
		t.Error("Evict() = true for an evicted session")
	}
	if hooks.Load() != 1 {
		t.Errorf("eviction hooks ran %d times, want 1", hooks.Load())
	}
}

func TestRegistry_SweepLoop_EvictsInBackground(t *testing.T) {
	r := NewRegistry(RegistryConfig{TTL: 30 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	r.GetOrCreate("sess-a")
	r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle session was not evicted by the sweep loop")
}

func TestLLMSummariser_FormatsTranscript(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "the gist"},
	}
	s := NewLLMSummariser(provider)

	got, err := s.Summarise(context.Background(), []types.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Name: "semem", Content: "hi there"},
	})
	if err != nil {
		t.Fatalf("Summarise() error = %v", err)
	}
	if got != "the gist" {
		t.Errorf("Summarise() = %q", got)
	}

	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("Complete called %d times", len(provider.CompleteCalls))
	}
	req := provider.CompleteCalls[0].Req
	if req.SystemPrompt == "" {
		t.Error("request misses the summarisation system prompt")
	}
	transcript := req.Messages[0].Content
	if !strings.Contains(transcript, "[user]: hello") || !strings.Contains(transcript, "[semem]: hi there") {
		t.Errorf("transcript = %q", transcript)
	}
}

func TestLLMSummariser_EmptyInput(t *testing.T) {
	provider := &llmmock.Provider{}
	s := NewLLMSummariser(provider)

	got, err := s.Summarise(context.Background(), nil)
	if err != nil || got != "" {
		t.Errorf("Summarise(nil) = %q, %v", got, err)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Error("Summarise(nil) called the provider")
	}
}
