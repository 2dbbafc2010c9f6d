package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/semem/internal/config"
	"github.com/MrWong99/semem/internal/retrieval"
)

// baseConfig returns a fully populated config for diffing. Tests copy it
// and mutate one section at a time.
func baseConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			LogLevel:          config.LogInfo,
			LogFormat:         config.LogJSON,
			ObservabilityAddr: ":9090",
		},
		Providers: config.ProvidersConfig{
			LLM: []config.ProviderEntry{{Name: "openai", Model: "gpt-4o-mini"}},
			Embeddings: config.EmbeddingsEntry{
				ProviderEntry: config.ProviderEntry{Name: "openai", Model: "text-embedding-3-small"},
				Dimensions:    1536,
			},
		},
		Store: config.StoreConfig{
			QueryURL:  "http://localhost:3030/semem/query",
			UpdateURL: "http://localhost:3030/semem/update",
		},
		Index: config.IndexConfig{Backend: config.IndexMemory},
		Retrieval: config.RetrievalConfig{
			ConceptOverlap: 0.1,
			LocalK:         map[retrieval.Mode]int{retrieval.ModeStandard: 25},
			Weights: retrieval.WeightTable{
				Factual: retrieval.Weights{Personal: 0.2, Authority: 0.5, Recency: 0.1, ZPT: 0.2},
			},
		},
		Chunker:     config.ChunkerConfig{MaxChunkSize: 2000, Overlap: 100},
		Graph:       config.GraphConfig{DecayFactor: 0.995, PruneFloor: 0.05},
		Enhancement: config.EnhancementConfig{Retries: 2, CacheSize: 256},
		Session:     config.SessionConfig{HistoryMaxTokens: 8192},
		Verbs:       config.VerbsConfig{RecallLimit: 10, ChatTemperature: 0.7},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	d := config.Diff(&old, &new)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(&old, &new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RequiresRestart) != 0 {
		t.Errorf("log level is hot-reloadable, got restart sections %v", d.RequiresRestart)
	}
}

func TestDiff_RetrievalWeightsChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Retrieval.Weights.Factual.Personal = 0.4

	d := config.Diff(&old, &new)
	if !d.RetrievalChanged {
		t.Error("expected RetrievalChanged=true for weight change")
	}
	if len(d.RequiresRestart) != 0 {
		t.Errorf("weights are hot-reloadable, got restart sections %v", d.RequiresRestart)
	}
}

func TestDiff_RetrievalBudgetChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Retrieval.LocalK = map[retrieval.Mode]int{retrieval.ModeStandard: 40}

	d := config.Diff(&old, &new)
	if !d.RetrievalChanged {
		t.Error("expected RetrievalChanged=true for budget change")
	}
}

func TestDiff_GraphTuningChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Graph.DecayFactor = 0.9

	d := config.Diff(&old, &new)
	if !d.GraphChanged {
		t.Error("expected GraphChanged=true")
	}
}

func TestDiff_VerbsChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Verbs.RecallLimit = 25

	d := config.Diff(&old, &new)
	if !d.VerbsChanged {
		t.Error("expected VerbsChanged=true")
	}
}

func TestDiff_ChunkerChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Chunker.Overlap = 200

	d := config.Diff(&old, &new)
	if !d.ChunkerChanged {
		t.Error("expected ChunkerChanged=true")
	}
}

func TestDiff_EnhancementChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Enhancement.Retries = 0

	d := config.Diff(&old, &new)
	if !d.EnhancementChanged {
		t.Error("expected EnhancementChanged=true")
	}
}

func TestDiff_StructuralChangesRequireRestart(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(c *config.Config)
		section string
	}{
		{"store endpoint", func(c *config.Config) { c.Store.QueryURL = "http://other:3030/q" }, "store"},
		{"provider model", func(c *config.Config) { c.Providers.LLM[0].Model = "gpt-5" }, "providers"},
		{"log format", func(c *config.Config) { c.Server.LogFormat = config.LogText }, "server"},
		{"observability addr", func(c *config.Config) { c.Server.ObservabilityAddr = ":9191" }, "server"},
		{"index backend", func(c *config.Config) { c.Index.Backend = config.IndexPgvector }, "index"},
		{"session limits", func(c *config.Config) { c.Session.HistoryMaxTokens = 1024 }, "session"},
	}

	for _, tc := range cases {
		old := baseConfig()
		new := baseConfig()
		tc.mutate(&new)

		d := config.Diff(&old, &new)
		if !slices.Contains(d.RequiresRestart, tc.section) {
			t.Errorf("%s: RequiresRestart = %v, want it to contain %q", tc.name, d.RequiresRestart, tc.section)
		}
		if d.RetrievalChanged || d.GraphChanged || d.VerbsChanged || d.ChunkerChanged || d.EnhancementChanged {
			t.Errorf("%s: structural change flagged as hot-reloadable: %+v", tc.name, d)
		}
	}
}

func TestDiff_ChangedHelper(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	if config.Diff(&old, &new).Changed() {
		t.Error("Changed() = true for identical configs")
	}
	new.Verbs.LazyLimit = 99
	if !config.Diff(&old, &new).Changed() {
		t.Error("Changed() = false after a verbs change")
	}
}
