package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/semem/internal/config"
	"github.com/MrWong99/semem/internal/retrieval"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	embmock "github.com/MrWong99/semem/pkg/provider/embeddings/mock"
	"github.com/MrWong99/semem/pkg/provider/knowledge"
	knowmock "github.com/MrWong99/semem/pkg/provider/knowledge/mock"
	"github.com/MrWong99/semem/pkg/provider/llm"
	llmmock "github.com/MrWong99/semem/pkg/provider/llm/mock"
	"github.com/MrWong99/semem/pkg/types"
)

const sampleYAML = `
server:
  log_level: info
  log_format: text
  observability_addr: ":9090"

providers:
  llm:
    - name: openai
      api_key: sk-test
      model: gpt-4o-mini
    - name: ollama
      base_url: http://localhost:11434
      model: llama3.2
  embeddings:
    name: openai
    api_key: sk-test
    model: text-embedding-3-small
    dimensions: 1536
  wikipedia:
    enabled: true
    user_agent: semem-test/1.0
    timeout: 10s
  wikidata:
    enabled: true
    timeout: 10s
  hyde:
    enabled: true

store:
  query_url: http://localhost:3030/semem/query
  update_url: http://localhost:3030/semem/update
  prefix: http://example.org/semem/
  flush_window: 2s
  max_lag: 30s
  cache_size: 512
  recovery_interval: 15s

index:
  backend: memory

retrieval:
  concept_overlap: 0.2
  near_duplicate: 0.95
  activation_hops: 2
  activation_decay: 0.5
  local_share: 0.5
  local_k:
    basic: 10
    standard: 25
    comprehensive: 50
  final_k:
    standard: 10
  weights:
    factual:
      personal: 0.2
      authority: 0.5
      recency: 0.1
      zpt: 0.2

chunker:
  max_chunk_size: 1500
  min_chunk_size: 80
  overlap: 120
  strategy: semantic

graph:
  decay_factor: 0.99
  decay_interval: 12h
  prune_floor: 0.05
  community_drift: 0.1

enhancement:
  cache_ttl: 1h
  cache_size: 256
  retries: 2
  backoff_base: 200ms
  backoff_cap: 5s
  provider_timeout: 20s
  breaker:
    max_failures: 5
    reset_timeout: 30s
    half_open_max: 3

session:
  ttl: 30m
  sweep_interval: 5m
  history_max_tokens: 8192

verbs:
  deadline: 30s
  recall_limit: 10
  chat_context_items: 3
  chat_max_tokens: 1024
  chat_temperature: 0.7
  lazy_limit: 256
  concept_batch: 64
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Server.LogFormat != config.LogText {
		t.Errorf("server.log_format: got %q, want %q", cfg.Server.LogFormat, config.LogText)
	}
	if cfg.Server.ObservabilityAddr != ":9090" {
		t.Errorf("server.observability_addr: got %q, want %q", cfg.Server.ObservabilityAddr, ":9090")
	}
	if len(cfg.Providers.LLM) != 2 {
		t.Fatalf("providers.llm: got %d entries, want 2", len(cfg.Providers.LLM))
	}
	if cfg.Providers.LLM[0].Name != "openai" || cfg.Providers.LLM[1].Name != "ollama" {
		t.Errorf("llm chain order: got %q, %q", cfg.Providers.LLM[0].Name, cfg.Providers.LLM[1].Name)
	}
	if cfg.Providers.Embeddings.Name != "openai" {
		t.Errorf("providers.embeddings.name: got %q", cfg.Providers.Embeddings.Name)
	}
	if cfg.Providers.Embeddings.Dimensions != 1536 {
		t.Errorf("providers.embeddings.dimensions: got %d, want 1536", cfg.Providers.Embeddings.Dimensions)
	}
	if !cfg.Providers.Wikipedia.Enabled {
		t.Error("providers.wikipedia.enabled: got false, want true")
	}
	if cfg.Providers.Wikipedia.Timeout.Std() != 10*time.Second {
		t.Errorf("providers.wikipedia.timeout: got %s, want 10s", cfg.Providers.Wikipedia.Timeout.Std())
	}
	if cfg.Store.QueryURL != "http://localhost:3030/semem/query" {
		t.Errorf("store.query_url: got %q", cfg.Store.QueryURL)
	}
	if cfg.Store.FlushWindow.Std() != 2*time.Second {
		t.Errorf("store.flush_window: got %s, want 2s", cfg.Store.FlushWindow.Std())
	}
	if cfg.Index.Backend != config.IndexMemory {
		t.Errorf("index.backend: got %q, want %q", cfg.Index.Backend, config.IndexMemory)
	}
	if got := cfg.Retrieval.LocalK[retrieval.ModeStandard]; got != 25 {
		t.Errorf("retrieval.local_k[standard]: got %d, want 25", got)
	}
	if got := cfg.Retrieval.Weights.Factual.Authority; got != 0.5 {
		t.Errorf("retrieval.weights.factual.authority: got %.2f, want 0.5", got)
	}
	if cfg.Chunker.Strategy != "semantic" {
		t.Errorf("chunker.strategy: got %q", cfg.Chunker.Strategy)
	}
	if cfg.Graph.DecayInterval.Std() != 12*time.Hour {
		t.Errorf("graph.decay_interval: got %s, want 12h", cfg.Graph.DecayInterval.Std())
	}
	if cfg.Enhancement.Breaker.ResetTimeout.Std() != 30*time.Second {
		t.Errorf("enhancement.breaker.reset_timeout: got %s, want 30s", cfg.Enhancement.Breaker.ResetTimeout.Std())
	}
	if cfg.Session.TTL.Std() != 30*time.Minute {
		t.Errorf("session.ttl: got %s, want 30m", cfg.Session.TTL.Std())
	}
	if cfg.Verbs.Deadline.Std() != 30*time.Second {
		t.Errorf("verbs.deadline: got %s, want 30s", cfg.Verbs.Deadline.Std())
	}
	if cfg.Verbs.ChatTemperature != 0.7 {
		t.Errorf("verbs.chat_temperature: got %.2f, want 0.7", cfg.Verbs.ChatTemperature)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	// An empty config should succeed (no required top-level fields) and
	// pick up the server and index defaults.
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("default log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Server.LogFormat != config.LogJSON {
		t.Errorf("default log_format: got %q, want %q", cfg.Server.LogFormat, config.LogJSON)
	}
	if cfg.Index.Backend != config.IndexMemory {
		t.Errorf("default index.backend: got %q, want %q", cfg.Index.Backend, config.IndexMemory)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := `
server:
  log_levle: info
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "log_levle") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

// ── Durations ─────────────────────────────────────────────────────────────────

func TestDuration_Invalid(t *testing.T) {
	yaml := `
session:
  ttl: soon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error should mention invalid duration, got: %v", err)
	}
}

func TestDuration_NegativeRejected(t *testing.T) {
	yaml := `
session:
  ttl: -5s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative duration, got nil")
	}
	if !strings.Contains(err.Error(), "session.ttl") {
		t.Errorf("error should name session.ttl, got: %v", err)
	}
}

// ── Enums ─────────────────────────────────────────────────────────────────────

func TestEnums_IsValid(t *testing.T) {
	if !config.LogWarn.IsValid() || config.LogLevel("verbose").IsValid() {
		t.Error("LogLevel.IsValid misclassifies")
	}
	if !config.LogText.IsValid() || config.LogFormat("xml").IsValid() {
		t.Error("LogFormat.IsValid misclassifies")
	}
	if !config.IndexPgvector.IsValid() || config.IndexBackend("redis").IsValid() {
		t.Error("IndexBackend.IsValid misclassifies")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownLLM(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown LLM provider")
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownEmbeddings(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateEmbeddings(config.EmbeddingsEntry{ProviderEntry: config.ProviderEntry{Name: "nonexistent"}})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownKnowledge(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateKnowledge("nonexistent", config.KnowledgeEntry{Enabled: true})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

// ── Registry with registered factories ───────────────────────────────────────

func TestRegistry_RegisteredLLM(t *testing.T) {
	reg := config.NewRegistry()
	want := &llmmock.Provider{}
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateLLM(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_RegisteredEmbeddings(t *testing.T) {
	reg := config.NewRegistry()
	want := &embmock.Provider{DimensionsValue: 3}
	reg.RegisterEmbeddings("stub", func(e config.EmbeddingsEntry) (embeddings.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateEmbeddings(config.EmbeddingsEntry{ProviderEntry: config.ProviderEntry{Name: "stub"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_RegisteredKnowledge(t *testing.T) {
	reg := config.NewRegistry()
	want := &knowmock.Provider{NameValue: "wikipedia"}
	reg.RegisterKnowledge("wikipedia", func(e config.KnowledgeEntry) (knowledge.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateKnowledge("wikipedia", config.KnowledgeEntry{Enabled: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_CreateLLMChain_PriorityOrder(t *testing.T) {
	reg := config.NewRegistry()
	reg.RegisterLLM("primary", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "primary"}}, nil
	})
	reg.RegisterLLM("fallback", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fallback"}}, nil
	})

	chain, err := reg.CreateLLMChain([]config.ProviderEntry{
		{Name: "primary"},
		{Name: "fallback"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := chain.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "primary" {
		t.Errorf("chain answered with %q, want the first entry's provider", resp.Content)
	}
}

func TestRegistry_CreateLLMChain_UnknownEntry(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateLLMChain([]config.ProviderEntry{{Name: "ghost"}})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
	if !strings.Contains(err.Error(), "chain entry 0") {
		t.Errorf("error should name the failing entry, got: %v", err)
	}
}

func TestRegistry_CreateLLMChain_Empty(t *testing.T) {
	reg := config.NewRegistry()
	if _, err := reg.CreateLLMChain(nil); err == nil {
		t.Fatal("expected error for empty chain, got nil")
	}
}
