// Command semem is the semantic memory server. It reads one JSON verb
// request per line from stdin and writes one JSON response per line to
// stdout; logs and observability stay on stderr and the optional HTTP
// listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/semem/internal/app"
	"github.com/MrWong99/semem/internal/config"
	"github.com/MrWong99/semem/internal/observe"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/semem/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/semem/pkg/provider/embeddings/openai"
	"github.com/MrWong99/semem/pkg/provider/knowledge"
	"github.com/MrWong99/semem/pkg/provider/knowledge/hyde"
	"github.com/MrWong99/semem/pkg/provider/knowledge/wikidata"
	"github.com/MrWong99/semem/pkg/provider/knowledge/wikipedia"
	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/semem/pkg/provider/llm/openai"
)

// version is stamped by the build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Configuration + reload watcher ─────────────────────────────────────────
	var (
		appPtr   atomic.Pointer[app.App]
		levelVar = new(slog.LevelVar)
	)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(&appPtr, levelVar, old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "semem: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "semem: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ─────────────────────────────────────────────────────────────────
	// Stdout carries the verb protocol; all logging goes to stderr.
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(cfg.Server.LogFormat, levelVar)
	slog.SetDefault(logger)

	slog.Info("semem starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "semem",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ──────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	appPtr.Store(application)

	slog.Info("server ready — reading verb requests from stdin")

	rc := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		rc = 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return rc
}

// applyReload reacts to a config file change: the log level switches in
// place, runtime tunables retune the running app, and everything else is
// reported as needing a restart.
func applyReload(appPtr *atomic.Pointer[app.App], levelVar *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged {
		levelVar.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	application := appPtr.Load()
	if application == nil {
		// Changed before startup finished; the initial build already
		// sees the new file.
		return
	}
	if err := application.Retune(new, d); err != nil {
		slog.Error("config reload failed; keeping previous tuning", "err", err)
		return
	}
	if len(d.RequiresRestart) > 0 {
		slog.Warn("config sections changed that only apply after a restart",
			"sections", d.RequiresRestart)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations
// that ship with semem. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
	"knowledge":  {"wikipedia", "wikidata", "hyde"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai goes through the native client; anthropic, gemini and the
	// rest share the any-llm front. All take optional APIKey + BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.EmbeddingsEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.EmbeddingsEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if entry.Dimensions > 0 {
			opts = append(opts, ollamaembed.WithDimensions(entry.Dimensions))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── Knowledge ─────────────────────────────────────────────────────────────
	// hyde is registered in buildProviders once the LLM chain exists.

	reg.RegisterKnowledge("wikipedia", func(entry config.KnowledgeEntry) (knowledge.Provider, error) {
		var opts []wikipedia.Option
		if d := entry.Timeout.Std(); d > 0 {
			opts = append(opts, wikipedia.WithTimeout(d))
		}
		if entry.UserAgent != "" {
			opts = append(opts, wikipedia.WithUserAgent(entry.UserAgent))
		}
		return wikipedia.New(entry.BaseURL, opts...), nil
	})

	reg.RegisterKnowledge("wikidata", func(entry config.KnowledgeEntry) (knowledge.Provider, error) {
		var opts []wikidata.Option
		if d := entry.Timeout.Std(); d > 0 {
			opts = append(opts, wikidata.WithTimeout(d))
		}
		if entry.UserAgent != "" {
			opts = append(opts, wikidata.WithUserAgent(entry.UserAgent))
		}
		return wikidata.New(entry.BaseURL, opts...), nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates everything named in cfg using the registry
// and returns it in an [app.Providers] struct for the application to
// consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if len(cfg.Providers.LLM) > 0 {
		chain, err := reg.CreateLLMChain(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm chain: %w", err)
		}
		ps.LLM = chain
		for _, entry := range cfg.Providers.LLM {
			slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name, "model", cfg.Providers.Embeddings.Model)
	}

	// hyde drafts hypothetical answers with the same chain that answers
	// questions, so its factory closes over ps.LLM.
	if ps.LLM != nil {
		reg.RegisterKnowledge("hyde", func(config.KnowledgeEntry) (knowledge.Provider, error) {
			return hyde.New(ps.LLM)
		})
	}

	for _, k := range knowledgeEntries(cfg) {
		if !k.entry.Enabled {
			continue
		}
		p, err := reg.CreateKnowledge(k.name, k.entry)
		if err != nil {
			return nil, fmt.Errorf("create knowledge provider %q: %w", k.name, err)
		}
		ps.Knowledge = append(ps.Knowledge, p)
		slog.Info("provider created", "kind", "knowledge", "name", k.name)
	}

	return ps, nil
}

// knowledgeBlock pairs a knowledge config block with its registry name.
type knowledgeBlock struct {
	name  string
	entry config.KnowledgeEntry
}

// knowledgeEntries lists the knowledge config blocks in consultation
// order.
func knowledgeEntries(cfg *config.Config) []knowledgeBlock {
	return []knowledgeBlock{
		{"wikipedia", cfg.Providers.Wikipedia},
		{"wikidata", cfg.Providers.Wikidata},
		{"hyde", cfg.Providers.HyDE},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║          Semem — startup summary      ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")

	chain := "(not configured)"
	if len(cfg.Providers.LLM) > 0 {
		chain = cfg.Providers.LLM[0].Name
		if len(cfg.Providers.LLM) > 1 {
			chain = fmt.Sprintf("%s +%d fallback", chain, len(cfg.Providers.LLM)-1)
		}
	}
	printRow("LLM chain", chain)
	printRow("Embeddings", cfg.Providers.Embeddings.Name)

	enabled := 0
	for _, k := range knowledgeEntries(cfg) {
		if k.entry.Enabled {
			enabled++
		}
	}
	printRow("Knowledge", fmt.Sprintf("%d enabled", enabled))

	storeMode := "ephemeral"
	if cfg.Store.QueryURL != "" {
		storeMode = "sparql"
	}
	printRow("Store", storeMode)
	printRow("Index", string(cfg.Index.Backend))
	if cfg.Server.ObservabilityAddr != "" {
		printRow("Observability", cfg.Server.ObservabilityAddr)
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-14s  : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogText {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
