package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/semem/internal/retrieval"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: json, text", cfg.Server.LogFormat))
	}

	// LLM chain
	llmNamesSeen := make(map[string]int, len(cfg.Providers.LLM))
	for i, entry := range cfg.Providers.LLM {
		prefix := fmt.Sprintf("providers.llm[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := llmNamesSeen[entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.llm[%d]", prefix, entry.Name, prev))
		}
		llmNamesSeen[entry.Name] = i
		validateProviderName("llm", entry.Name)
	}
	if len(cfg.Providers.LLM) == 0 {
		slog.Warn("no LLM provider configured; ask, chat and concept extraction will be unavailable")
	}

	// Embeddings
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; vector search will be unavailable")
	}
	if cfg.Providers.Embeddings.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("providers.embeddings.dimensions %d is negative", cfg.Providers.Embeddings.Dimensions))
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Providers.Embeddings.Dimensions == 0 {
		slog.Warn("providers.embeddings.dimensions is not set; adopting the model's native dimension")
	}

	// HyDE runs on the LLM chain.
	if cfg.Providers.HyDE.Enabled && len(cfg.Providers.LLM) == 0 {
		errs = append(errs, errors.New("providers.hyde is enabled but requires an LLM provider; providers.llm is empty"))
	}

	// Store endpoints come in pairs.
	if cfg.Store.QueryURL != "" && cfg.Store.UpdateURL == "" {
		errs = append(errs, errors.New("store.update_url is required when store.query_url is set"))
	}
	if cfg.Store.UpdateURL != "" && cfg.Store.QueryURL == "" {
		errs = append(errs, errors.New("store.query_url is required when store.update_url is set"))
	}
	if cfg.Store.QueryURL == "" && cfg.Store.UpdateURL == "" {
		slog.Warn("store endpoints are not configured; memory will not survive restarts")
	}
	if cfg.Store.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("store.cache_size %d is negative", cfg.Store.CacheSize))
	}

	// Index
	if cfg.Index.Backend != "" && !cfg.Index.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("index.backend %q is invalid; valid values: memory, pgvector", cfg.Index.Backend))
	}
	if cfg.Index.Backend == IndexPgvector && cfg.Index.PostgresDSN == "" {
		errs = append(errs, errors.New("index.postgres_dsn is required when index.backend is pgvector"))
	}

	// Retrieval
	for _, budget := range []struct {
		key    string
		values map[retrieval.Mode]int
	}{
		{"retrieval.local_k", cfg.Retrieval.LocalK},
		{"retrieval.final_k", cfg.Retrieval.FinalK},
	} {
		for mode, k := range budget.values {
			if !mode.IsValid() {
				errs = append(errs, fmt.Errorf("%s key %q is invalid; valid values: basic, standard, comprehensive", budget.key, mode))
			}
			if k <= 0 {
				errs = append(errs, fmt.Errorf("%s[%s] must be positive, got %d", budget.key, mode, k))
			}
		}
	}
	if cfg.Retrieval.ConceptOverlap < 0 || cfg.Retrieval.ConceptOverlap > 1 {
		errs = append(errs, fmt.Errorf("retrieval.concept_overlap %.2f is out of range [0, 1]", cfg.Retrieval.ConceptOverlap))
	}
	if cfg.Retrieval.NearDuplicate != 0 && (cfg.Retrieval.NearDuplicate <= 0 || cfg.Retrieval.NearDuplicate > 1) {
		errs = append(errs, fmt.Errorf("retrieval.near_duplicate %.2f is out of range (0, 1]", cfg.Retrieval.NearDuplicate))
	}
	if cfg.Retrieval.ActivationHops < 0 {
		errs = append(errs, fmt.Errorf("retrieval.activation_hops %d is negative", cfg.Retrieval.ActivationHops))
	}
	if cfg.Retrieval.ActivationDecay < 0 || cfg.Retrieval.ActivationDecay > 1 {
		errs = append(errs, fmt.Errorf("retrieval.activation_decay %.2f is out of range [0, 1]", cfg.Retrieval.ActivationDecay))
	}
	if cfg.Retrieval.LocalShare != 0 && (cfg.Retrieval.LocalShare < 0 || cfg.Retrieval.LocalShare > 1) {
		errs = append(errs, fmt.Errorf("retrieval.local_share %.2f is out of range (0, 1]", cfg.Retrieval.LocalShare))
	}
	errs = append(errs, validateWeights("retrieval.weights.factual", cfg.Retrieval.Weights.Factual)...)
	errs = append(errs, validateWeights("retrieval.weights.first_person", cfg.Retrieval.Weights.FirstPerson)...)
	errs = append(errs, validateWeights("retrieval.weights.entity_temporal", cfg.Retrieval.Weights.EntityTemporal)...)
	errs = append(errs, validateWeights("retrieval.weights.default", cfg.Retrieval.Weights.Default)...)

	// Chunker
	if cfg.Chunker.Strategy != "" && cfg.Chunker.Strategy != "semantic" && cfg.Chunker.Strategy != "character" {
		errs = append(errs, fmt.Errorf("chunker.strategy %q is invalid; valid values: semantic, character", cfg.Chunker.Strategy))
	}
	if cfg.Chunker.MaxChunkSize < 0 || cfg.Chunker.MinChunkSize < 0 || cfg.Chunker.Overlap < 0 {
		errs = append(errs, errors.New("chunker sizes must not be negative"))
	}
	if cfg.Chunker.MaxChunkSize > 0 && cfg.Chunker.MinChunkSize >= cfg.Chunker.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunker.min_chunk_size %d must be smaller than chunker.max_chunk_size %d", cfg.Chunker.MinChunkSize, cfg.Chunker.MaxChunkSize))
	}
	if cfg.Chunker.MaxChunkSize > 0 && cfg.Chunker.Overlap >= cfg.Chunker.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunker.overlap %d must be smaller than chunker.max_chunk_size %d", cfg.Chunker.Overlap, cfg.Chunker.MaxChunkSize))
	}

	// Graph
	if cfg.Graph.DecayFactor != 0 && (cfg.Graph.DecayFactor < 0 || cfg.Graph.DecayFactor > 1) {
		errs = append(errs, fmt.Errorf("graph.decay_factor %.2f is out of range (0, 1]", cfg.Graph.DecayFactor))
	}
	if cfg.Graph.PruneFloor < 0 {
		errs = append(errs, fmt.Errorf("graph.prune_floor %.2f is negative", cfg.Graph.PruneFloor))
	}
	if cfg.Graph.CommunityDrift != 0 && (cfg.Graph.CommunityDrift < 0 || cfg.Graph.CommunityDrift > 1) {
		errs = append(errs, fmt.Errorf("graph.community_drift %.2f is out of range (0, 1]", cfg.Graph.CommunityDrift))
	}

	// Enhancement
	if cfg.Enhancement.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("enhancement.cache_size %d is negative", cfg.Enhancement.CacheSize))
	}
	if cfg.Enhancement.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("enhancement.breaker.max_failures %d is negative", cfg.Enhancement.Breaker.MaxFailures))
	}
	if cfg.Enhancement.Breaker.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("enhancement.breaker.half_open_max %d is negative", cfg.Enhancement.Breaker.HalfOpenMax))
	}

	// Session
	if cfg.Session.HistoryMaxTokens < 0 {
		errs = append(errs, fmt.Errorf("session.history_max_tokens %d is negative", cfg.Session.HistoryMaxTokens))
	}

	// Verbs
	if cfg.Verbs.ChatTemperature < 0 || cfg.Verbs.ChatTemperature > 2 {
		errs = append(errs, fmt.Errorf("verbs.chat_temperature %.2f is out of range [0, 2]", cfg.Verbs.ChatTemperature))
	}
	for _, limit := range []struct {
		key   string
		value int
	}{
		{"verbs.recall_limit", cfg.Verbs.RecallLimit},
		{"verbs.chat_context_items", cfg.Verbs.ChatContextItems},
		{"verbs.chat_max_tokens", cfg.Verbs.ChatMaxTokens},
		{"verbs.lazy_limit", cfg.Verbs.LazyLimit},
		{"verbs.concept_batch", cfg.Verbs.ConceptBatch},
	} {
		if limit.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d is negative", limit.key, limit.value))
		}
	}

	// Durations must not run backwards.
	for _, d := range []struct {
		key   string
		value Duration
	}{
		{"providers.wikipedia.timeout", cfg.Providers.Wikipedia.Timeout},
		{"providers.wikidata.timeout", cfg.Providers.Wikidata.Timeout},
		{"providers.hyde.timeout", cfg.Providers.HyDE.Timeout},
		{"store.flush_window", cfg.Store.FlushWindow},
		{"store.max_lag", cfg.Store.MaxLag},
		{"store.recovery_interval", cfg.Store.RecoveryInterval},
		{"graph.decay_interval", cfg.Graph.DecayInterval},
		{"enhancement.cache_ttl", cfg.Enhancement.CacheTTL},
		{"enhancement.backoff_base", cfg.Enhancement.BackoffBase},
		{"enhancement.backoff_cap", cfg.Enhancement.BackoffCap},
		{"enhancement.provider_timeout", cfg.Enhancement.ProviderTimeout},
		{"enhancement.breaker.reset_timeout", cfg.Enhancement.Breaker.ResetTimeout},
		{"session.ttl", cfg.Session.TTL},
		{"session.sweep_interval", cfg.Session.SweepInterval},
		{"verbs.deadline", cfg.Verbs.Deadline},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s %s is negative", d.key, d.value.Std()))
		}
	}

	return errors.Join(errs...)
}

// validateWeights checks one merge-coefficient row for negative components.
func validateWeights(prefix string, w retrieval.Weights) []error {
	var errs []error
	for _, c := range []struct {
		key   string
		value float64
	}{
		{"personal", w.Personal},
		{"authority", w.Authority},
		{"recency", w.Recency},
		{"zpt", w.ZPT},
	} {
		if c.value < 0 {
			errs = append(errs, fmt.Errorf("%s.%s %.2f is negative", prefix, c.key, c.value))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
