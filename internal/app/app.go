// Package app wires all Semem subsystems into a running memory server.
//
// The App struct owns the full lifecycle: New creates and connects the
// store, index, graph, navigation, enhancement, retrieval and verb
// layers, Run serves the JSON-lines verb loop, and Shutdown tears
// everything down in reverse order.
//
// For testing, inject doubles via functional options (WithBackend,
// WithIndex, WithIO). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/semem/internal/chunker"
	"github.com/MrWong99/semem/internal/config"
	"github.com/MrWong99/semem/internal/enhancement"
	"github.com/MrWong99/semem/internal/graph"
	"github.com/MrWong99/semem/internal/health"
	"github.com/MrWong99/semem/internal/index"
	pgindex "github.com/MrWong99/semem/internal/index/postgres"
	"github.com/MrWong99/semem/internal/memory"
	"github.com/MrWong99/semem/internal/observe"
	"github.com/MrWong99/semem/internal/resilience"
	"github.com/MrWong99/semem/internal/retrieval"
	"github.com/MrWong99/semem/internal/session"
	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/internal/verbs"
	"github.com/MrWong99/semem/internal/zpt"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/provider/knowledge"
	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/rdf"
	"github.com/MrWong99/semem/pkg/rdf/sparql"
)

// maxRequestBytes bounds a single JSON-lines request. Document ingests
// arrive inline, so the limit is generous.
const maxRequestBytes = 16 << 20

// evictFlushTimeout bounds the store flush triggered by a session
// eviction.
const evictFlushTimeout = 10 * time.Second

// Providers holds the external model and knowledge providers the engine
// depends on. Populated by main.go via the config registry.
type Providers struct {
	// LLM answers questions, extracts concepts, and summarises session
	// history. Usually a failover [llm.Chain]. Required.
	LLM llm.Provider

	// Embeddings turns text into vectors for the index. Required.
	Embeddings embeddings.Provider

	// Knowledge are the enabled external enhancement sources, in
	// consultation order. Provider names must be unique. Optional.
	Knowledge []knowledge.Provider
}

// App owns all subsystem lifetimes and serves the verb loop.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Injected via options; nil means New builds the real thing.
	backend rdf.Store
	metrics *observe.Metrics
	in      io.Reader
	out     io.Writer

	// Subsystems — initialised in New, torn down in Shutdown.
	store    *store.Buffered
	index    index.Index
	graph    *graph.Graph
	nav      *zpt.Manager
	sessions *session.Registry
	obs      *http.Server

	// warmIndex records whether the index starts empty and must be
	// rebuilt from the store. False for the durable pgvector backend.
	warmIndex bool

	// mu guards the engine chain that Retune rebuilds in place.
	mu        sync.RWMutex
	enhancer  *enhancement.Coordinator
	memory    *memory.Manager
	retriever *retrieval.Retriever
	engine    *verbs.Engine

	// closers run in reverse registration order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects an RDF store instead of dialling the configured
// SPARQL endpoints.
func WithBackend(s rdf.Store) Option {
	return func(a *App) { a.backend = s }
}

// WithIndex injects a vector index instead of creating one from config.
func WithIndex(ix index.Index) Option {
	return func(a *App) { a.index = ix }
}

// WithMetrics injects a metrics recorder instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithIO redirects the verb loop away from stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry). Use
// Option functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously, including the cache
// warmup that rebuilds the vector index and concept graph from the
// store. A store that cannot be reached downgrades warmup to a warning:
// the server starts cold and recovers once the endpoint returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		in:        os.Stdin,
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if providers.Embeddings == nil {
		return nil, errors.New("app: an embeddings provider is required; configure providers.embeddings")
	}
	if providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required; configure providers.llm")
	}

	// ── 1. Triple store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Vector index ──────────────────────────────────────────────────
	if err := a.initIndex(ctx); err != nil {
		return nil, fmt.Errorf("app: init index: %w", err)
	}

	// ── 3. Concept graph ─────────────────────────────────────────────────
	a.graph = graph.New(graphConfig(cfg))
	a.graph.Start(ctx)
	a.closers = append(a.closers, func() error {
		a.graph.Stop()
		return nil
	})

	// ── 4. Navigation ────────────────────────────────────────────────────
	a.nav = zpt.NewManager(a.store)

	// ── 5. Session registry ──────────────────────────────────────────────
	a.initSessions(ctx)

	// ── 6. Engine chain: enhancement → memory → retrieval → verbs ────────
	if err := a.buildEngines(cfg); err != nil {
		return nil, fmt.Errorf("app: init engines: %w", err)
	}

	// ── 7. Cache warmup ──────────────────────────────────────────────────
	if err := a.warmup(ctx); err != nil {
		slog.Warn("cache warmup failed; starting cold", "err", err)
	}

	// ── 8. Observability endpoints ───────────────────────────────────────
	a.initObservability()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore dials the configured SPARQL endpoints and wraps them in the
// write-behind buffer. Without endpoints the server runs ephemeral: every
// write lands in [rdf.Discard] and memory lives in the caches alone.
func (a *App) initStore(ctx context.Context) error {
	backend := a.backend
	if backend == nil {
		if a.cfg.Store.QueryURL != "" {
			client, err := sparql.New(a.cfg.Store.QueryURL, a.cfg.Store.UpdateURL)
			if err != nil {
				return err
			}
			backend = client
			slog.Info("sparql endpoints configured",
				"query", a.cfg.Store.QueryURL,
				"update", a.cfg.Store.UpdateURL,
			)
		} else {
			backend = rdf.Discard
			slog.Warn("no sparql endpoints configured; memory will not survive a restart")
		}
	}

	st, err := store.NewBuffered(backend, storeConfig(a.cfg))
	if err != nil {
		return err
	}
	a.store = st
	st.Start(ctx)
	a.closers = append(a.closers, st.Close)
	return nil
}

// initIndex creates the vector index named by index.backend, unless one
// was injected.
func (a *App) initIndex(ctx context.Context) error {
	if a.index != nil {
		a.warmIndex = true
		return nil
	}

	switch a.cfg.Index.Backend {
	case config.IndexPgvector:
		dims := a.cfg.Providers.Embeddings.Dimensions
		if dims <= 0 {
			dims = a.providers.Embeddings.Dimensions()
		}
		ix, err := pgindex.New(ctx, a.cfg.Index.PostgresDSN, dims)
		if err != nil {
			return err
		}
		a.index = ix
		a.closers = append(a.closers, func() error {
			ix.Close()
			return nil
		})
	default:
		a.index = index.NewMemory(0)
		a.warmIndex = true
	}
	return nil
}

// initSessions starts the registry sweeper and wires eviction to the
// store: an evicted session's buffered writes are flushed, then its
// buffers and navigation state are dropped. A failed flush leaves the
// buffers in place for the lag scheduler to retry.
func (a *App) initSessions(ctx context.Context) {
	a.sessions = session.NewRegistry(sessionRegistryConfig(a.cfg, a.providers.LLM))
	a.sessions.OnEvict(func(sessionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), evictFlushTimeout)
		defer cancel()
		if err := a.store.FlushSession(ctx, sessionID); err != nil {
			slog.Warn("flush of evicted session failed; writes stay buffered",
				"session", sessionID, "err", err)
		} else {
			a.store.DropSession(sessionID)
		}
		a.nav.DropSession(sessionID)
	})
	a.sessions.Start(ctx)
	a.closers = append(a.closers, func() error {
		a.sessions.Stop()
		return nil
	})
}

// buildEngines constructs the stateless engine chain from cfg. Retune
// calls it again with a fresh config to apply runtime tunables.
func (a *App) buildEngines(cfg *config.Config) error {
	enh, err := enhancement.New(a.store, a.index, a.providers.Embeddings,
		enhancementConfig(cfg), a.providers.Knowledge...)
	if err != nil {
		return err
	}

	mem, err := memory.New(a.store, a.index, a.graph,
		a.providers.Embeddings, a.providers.LLM, memoryConfig(cfg))
	if err != nil {
		return err
	}

	ret, err := retrieval.New(a.store, a.index, a.graph, a.nav, enh,
		a.providers.Embeddings, a.providers.LLM, retrievalConfig(cfg))
	if err != nil {
		return err
	}

	eng, err := verbs.New(verbs.Deps{
		Store:     a.store,
		Index:     a.index,
		Graph:     a.graph,
		Memory:    mem,
		Retriever: ret,
		Nav:       a.nav,
		Enhancer:  enh,
		Sessions:  a.sessions,
		Embedder:  a.providers.Embeddings,
		LLM:       a.providers.LLM,
		Metrics:   a.metrics,
	}, verbsConfig(cfg))
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.enhancer, a.memory, a.retriever, a.engine, a.cfg = enh, mem, ret, eng, cfg
	a.mu.Unlock()
	return nil
}

// warmup rebuilds the in-memory caches from the store: stored embeddings
// repopulate the vector index and stored concept labels replay into the
// graph. The durable pgvector index skips the vector pass.
func (a *App) warmup(ctx context.Context) error {
	vectors := 0
	if a.warmIndex {
		embedded, err := a.store.AllEmbeddings(ctx)
		if err != nil {
			return fmt.Errorf("load embeddings: %w", err)
		}
		for _, e := range embedded {
			if err := a.index.Add(ctx, e.ID, e.Vector); err != nil {
				return fmt.Errorf("index %s: %w", e.ID, err)
			}
		}
		vectors = len(embedded)
	}

	concepts, err := a.store.AllConcepts(ctx)
	if err != nil {
		return fmt.Errorf("load concepts: %w", err)
	}
	for _, labels := range concepts {
		a.graph.Observe(labels)
	}

	slog.Info("caches warmed", "vectors", vectors, "concept_records", len(concepts))
	return nil
}

// initObservability assembles the health and metrics endpoints. The
// listener itself starts in Run. Requests pass through the observe
// middleware, so probes and scrapes are traced and measured like any
// other call.
func (a *App) initObservability() {
	addr := a.cfg.Server.ObservabilityAddr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	health.New(
		health.StoreCheck(a.store),
		health.IndexCheck(a.index),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.obs = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the JSON-lines verb loop and blocks until the input is
// exhausted or ctx is cancelled. Each input line is one [verbs.Request];
// each output line is the matching [verbs.Response]. Requests run one at
// a time, so responses never interleave.
//
// Run returns nil when the peer closes the input, ctx.Err() on
// cancellation, and an error when the transport itself breaks.
func (a *App) Run(ctx context.Context) error {
	if a.obs != nil {
		go func() {
			slog.Info("observability endpoints listening", "addr", a.obs.Addr)
			if err := a.obs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("observability server error", "err", err)
			}
		}()
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(a.in)
		sc.Buffer(make([]byte, 64*1024), maxRequestBytes)
		for sc.Scan() {
			select {
			case lines <- bytes.Clone(sc.Bytes()):
			case <-ctx.Done():
				readErr <- ctx.Err()
				close(lines)
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	slog.Info("verb loop running")
	enc := json.NewEncoder(a.out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					return fmt.Errorf("app: read request: %w", err)
				}
				slog.Info("input closed; verb loop done")
				return nil
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var resp verbs.Response
			var req verbs.Request
			if err := json.Unmarshal(line, &req); err != nil {
				resp = verbs.Response{
					Success:      false,
					ErrorKind:    verbs.KindValidation,
					ErrorMessage: "malformed request: " + err.Error(),
				}
			} else {
				resp = a.Engine().Dispatch(ctx, req)
			}
			if err := enc.Encode(resp); err != nil {
				return fmt.Errorf("app: write response: %w", err)
			}
		}
	}
}

// Engine returns the verb engine currently in service. Retune may swap
// it between calls; callers must not cache it across requests.
func (a *App) Engine() *verbs.Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Retune applies the runtime-tunable parts of a reloaded config. Graph
// tunables are adjusted in place; retrieval, chunker, enhancement and
// verb changes rebuild the stateless engine chain and swap it in between
// requests. Rebuilding the enhancement coordinator resets its
// consultation cache and circuit breakers.
//
// Sections named in [config.ConfigDiff.RequiresRestart] are the caller's
// problem; Retune ignores them.
func (a *App) Retune(cfg *config.Config, d config.ConfigDiff) error {
	if d.GraphChanged {
		a.graph.Retune(graphConfig(cfg))
		slog.Info("graph tuning updated")
	}

	if !d.RetrievalChanged && !d.VerbsChanged && !d.ChunkerChanged && !d.EnhancementChanged {
		a.mu.Lock()
		a.cfg = cfg
		a.mu.Unlock()
		return nil
	}

	if d.EnhancementChanged {
		slog.Info("enhancement tuning changed; consultation cache resets")
	}
	if err := a.buildEngines(cfg); err != nil {
		return fmt.Errorf("app: retune: %w", err)
	}
	slog.Info("engine chain rebuilt",
		"retrieval", d.RetrievalChanged,
		"verbs", d.VerbsChanged,
		"chunker", d.ChunkerChanged,
		"enhancement", d.EnhancementChanged,
	)
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the application down: the observability listener stops
// taking requests, then every subsystem closes in reverse start order,
// ending with the store's final flush. Shutdown respects ctx's deadline
// and reports it via ctx.Err() when teardown is cut short.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.obs != nil {
			if err := a.obs.Shutdown(ctx); err != nil {
				slog.Warn("observability server shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Config conversion ───────────────────────────────────────────────────────

func storeConfig(cfg *config.Config) store.Config {
	s := cfg.Store
	return store.Config{
		Schema: store.Schema{
			Prefix:           s.Prefix,
			InteractionGraph: s.InteractionGraph,
			NavigationGraph:  s.NavigationGraph,
		},
		TemplatesDir:     s.TemplatesDir,
		FlushWindow:      s.FlushWindow.Std(),
		MaxLag:           s.MaxLag.Std(),
		CacheSize:        s.CacheSize,
		RecoveryInterval: s.RecoveryInterval.Std(),
	}
}

func graphConfig(cfg *config.Config) graph.Config {
	g := cfg.Graph
	return graph.Config{
		DecayFactor:    g.DecayFactor,
		DecayInterval:  g.DecayInterval.Std(),
		PruneFloor:     g.PruneFloor,
		CommunityDrift: g.CommunityDrift,
	}
}

func enhancementConfig(cfg *config.Config) enhancement.Config {
	e := cfg.Enhancement
	return enhancement.Config{
		TTL:             e.CacheTTL.Std(),
		CacheSize:       e.CacheSize,
		Retries:         e.Retries,
		BackoffBase:     e.BackoffBase.Std(),
		BackoffCap:      e.BackoffCap.Std(),
		ProviderTimeout: e.ProviderTimeout.Std(),
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  e.Breaker.MaxFailures,
			ResetTimeout: e.Breaker.ResetTimeout.Std(),
			HalfOpenMax:  e.Breaker.HalfOpenMax,
		},
	}
}

func memoryConfig(cfg *config.Config) memory.Config {
	c := cfg.Chunker
	return memory.Config{
		Chunk: chunker.Options{
			MaxChunkSize: c.MaxChunkSize,
			MinChunkSize: c.MinChunkSize,
			Overlap:      c.Overlap,
			Strategy:     chunker.Strategy(c.Strategy),
		},
		Dimensions: cfg.Providers.Embeddings.Dimensions,
	}
}

func retrievalConfig(cfg *config.Config) retrieval.Config {
	r := cfg.Retrieval
	return retrieval.Config{
		LocalK:          r.LocalK,
		FinalK:          r.FinalK,
		Weights:         r.Weights,
		ConceptOverlap:  r.ConceptOverlap,
		NearDuplicate:   r.NearDuplicate,
		ActivationHops:  r.ActivationHops,
		ActivationDecay: r.ActivationDecay,
		LocalShare:      r.LocalShare,
	}
}

func sessionRegistryConfig(cfg *config.Config, summariser llm.Provider) session.RegistryConfig {
	s := cfg.Session
	return session.RegistryConfig{
		TTL:           s.TTL.Std(),
		SweepInterval: s.SweepInterval.Std(),
		History: session.HistoryConfig{
			MaxTokens:  s.HistoryMaxTokens,
			Summariser: session.NewLLMSummariser(summariser),
		},
	}
}

func verbsConfig(cfg *config.Config) verbs.Config {
	v := cfg.Verbs
	return verbs.Config{
		Deadline:         v.Deadline.Std(),
		RecallLimit:      v.RecallLimit,
		ChatContextItems: v.ChatContextItems,
		ChatMaxTokens:    v.ChatMaxTokens,
		ChatTemperature:  v.ChatTemperature,
		LazyLimit:        v.LazyLimit,
		ConceptBatch:     v.ConceptBatch,
	}
}
