// Package retrieval implements the hybrid ask pipeline.
//
// A question fans out into two concurrent branches: a local branch over
// the vector index and the concept graph, and an enhancement branch
// consulting external knowledge providers. Their candidates merge under
// a query-class weighting, near-duplicates collapse, and the capped
// context goes to the LLM for a synthesis that attributes personal and
// external sources. Fresh enhancement records are persisted before the
// answer is returned, so an identical follow-up question is served from
// cache.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/semem/internal/enhancement"
	"github.com/MrWong99/semem/internal/graph"
	"github.com/MrWong99/semem/internal/index"
	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/internal/zpt"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/types"
)

// Mode sets the retrieval effort: how many local candidates are
// gathered and how many merged items reach synthesis.
type Mode string

const (
	ModeBasic         Mode = "basic"
	ModeStandard      Mode = "standard"
	ModeComprehensive Mode = "comprehensive"
)

// IsValid reports whether m is one of the defined modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeBasic, ModeStandard, ModeComprehensive:
		return true
	}
	return false
}

// Default retrieval budgets and thresholds.
const (
	DefaultLocalBasic         = 4
	DefaultLocalStandard      = 12
	DefaultLocalComprehensive = 32

	DefaultFinalBasic         = 6
	DefaultFinalStandard      = 10
	DefaultFinalComprehensive = 20

	// DefaultConceptOverlap is the minimum normalized activation overlap
	// for the concept walk to surface a record.
	DefaultConceptOverlap = 0.1

	// DefaultNearDuplicate is the cosine similarity at or above which two
	// candidates count as the same content.
	DefaultNearDuplicate = 0.97

	DefaultActivationHops  = 2
	DefaultActivationDecay = 0.5

	// DefaultLocalShare is the fraction of the remaining deadline granted
	// to the local branch before it returns best-effort results.
	DefaultLocalShare = 0.5

	// seedLimit caps how many activated concepts feed the store lookup.
	seedLimit = 8

	// conceptFetchLimit bounds the concept-based record fetch.
	conceptFetchLimit = 64

	// maxLinkedIDs caps how many personal records a fresh enhancement
	// record is linked to.
	maxLinkedIDs = 3

	// synthesisMaxTokens bounds the synthesized answer.
	synthesisMaxTokens = 1024
)

// Config tunes the pipeline. The zero value uses the defaults above.
type Config struct {
	// LocalK overrides the per-mode local candidate budget.
	LocalK map[Mode]int

	// FinalK overrides the per-mode cap on merged context items.
	FinalK map[Mode]int

	// Weights overrides rows of the query-class weight table.
	Weights WeightTable

	// ConceptOverlap is the activation-overlap floor for the graph walk.
	ConceptOverlap float64

	// NearDuplicate is the near-duplicate cosine threshold.
	NearDuplicate float64

	// ActivationHops and ActivationDecay parameterize the concept walk.
	ActivationHops  int
	ActivationDecay float64

	// LocalShare is the local branch's share of the remaining deadline,
	// in (0, 1].
	LocalShare float64
}

func (c Config) withDefaults() Config {
	if c.ConceptOverlap <= 0 {
		c.ConceptOverlap = DefaultConceptOverlap
	}
	if c.NearDuplicate <= 0 {
		c.NearDuplicate = DefaultNearDuplicate
	}
	if c.ActivationHops <= 0 {
		c.ActivationHops = DefaultActivationHops
	}
	if c.ActivationDecay <= 0 {
		c.ActivationDecay = DefaultActivationDecay
	}
	if c.LocalShare <= 0 || c.LocalShare > 1 {
		c.LocalShare = DefaultLocalShare
	}
	c.Weights = c.Weights.withDefaults()
	return c
}

// localK returns the local-branch candidate budget for the mode.
func (c Config) localK(m Mode) int {
	if k, ok := c.LocalK[m]; ok && k > 0 {
		return k
	}
	switch m {
	case ModeBasic:
		return DefaultLocalBasic
	case ModeComprehensive:
		return DefaultLocalComprehensive
	default:
		return DefaultLocalStandard
	}
}

// finalK returns the merged-context cap for the mode.
func (c Config) finalK(m Mode) int {
	if k, ok := c.FinalK[m]; ok && k > 0 {
		return k
	}
	switch m {
	case ModeBasic:
		return DefaultFinalBasic
	case ModeComprehensive:
		return DefaultFinalComprehensive
	default:
		return DefaultFinalStandard
	}
}

// Options steer a single Ask call.
type Options struct {
	// SessionID scopes read-your-writes, navigation state, and the
	// persistence of fresh enhancement records.
	SessionID string

	// Mode sets the retrieval budgets. Empty means standard.
	Mode Mode

	// UseContext enables the local memory branch.
	UseContext bool

	// UseWikipedia and UseWikidata enable the external lookup providers.
	UseWikipedia bool
	UseWikidata  bool

	// UseHyDE enables hypothetical expansion: an LLM-generated as-if
	// answer seeds one extra local search round. Its output is never
	// cited and never persisted.
	UseHyDE bool
}

// providerNames returns the enhancement providers to consult, in a
// fixed order. Hypothetical expansion only exists to seed the local
// branch, so it is skipped when the local branch is off.
func (o Options) providerNames() []string {
	var names []string
	if o.UseWikidata {
		names = append(names, "wikidata")
	}
	if o.UseWikipedia {
		names = append(names, "wikipedia")
	}
	if o.UseHyDE && o.UseContext {
		names = append(names, "hyde")
	}
	return names
}

// Result is one answered question.
type Result struct {
	// Answer is the synthesized reply.
	Answer string `json:"answer"`

	// ContextItems are the merged candidates handed to synthesis, sorted
	// by descending weight. Score carries the merge weight.
	ContextItems []types.Scored `json:"contextItems"`

	// SourcesUsed names every branch contributing at least one context
	// item: "personal" plus provider names, sorted.
	SourcesUsed []string `json:"sourcesUsed"`

	// CacheHits counts enhancement providers answered from cache.
	CacheHits int `json:"cacheHits"`

	// Timings records per-stage wall time, keyed by stage name.
	Timings map[string]time.Duration `json:"-"`
}

// Retriever runs the hybrid pipeline. Safe for concurrent use.
type Retriever struct {
	store    *store.Buffered
	index    index.Index
	graph    *graph.Graph
	nav      *zpt.Manager
	enhancer *enhancement.Coordinator
	embedder embeddings.Provider
	llm      llm.Provider
	cfg      Config
}

// New constructs a Retriever over the given components.
func New(st *store.Buffered, idx index.Index, g *graph.Graph, nav *zpt.Manager, enh *enhancement.Coordinator, embedder embeddings.Provider, llmP llm.Provider, cfg Config) (*Retriever, error) {
	if st == nil {
		return nil, errors.New("retrieval: store must not be nil")
	}
	if idx == nil {
		return nil, errors.New("retrieval: index must not be nil")
	}
	if g == nil {
		return nil, errors.New("retrieval: graph must not be nil")
	}
	if nav == nil {
		return nil, errors.New("retrieval: navigation manager must not be nil")
	}
	if enh == nil {
		return nil, errors.New("retrieval: enhancement coordinator must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("retrieval: embedder must not be nil")
	}
	if llmP == nil {
		return nil, errors.New("retrieval: llm provider must not be nil")
	}
	return &Retriever{
		store:    st,
		index:    idx,
		graph:    g,
		nav:      nav,
		enhancer: enh,
		embedder: embedder,
		llm:      llmP,
		cfg:      cfg.withDefaults(),
	}, nil
}

// Ask answers a question from local memory and the enabled enhancement
// providers. Branch failures degrade the answer instead of failing the
// call; only an unanswerable setup (no query embedding, no synthesis)
// returns an error.
func (r *Retriever) Ask(ctx context.Context, question string, opts Options) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("retrieval: ask: empty question")
	}
	if opts.Mode == "" {
		opts.Mode = ModeStandard
	}
	if !opts.Mode.IsValid() {
		return nil, fmt.Errorf("retrieval: ask: invalid mode %q", opts.Mode)
	}

	started := time.Now()
	now := started.UTC()
	timings := make(map[string]time.Duration)

	// Without a query embedding neither branch can rank anything.
	t0 := time.Now()
	qvec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieval: ask: embed question: %w", err)
	}
	if err := embeddings.ValidateDimension(qvec, r.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("retrieval: ask: %w", err)
	}
	timings["embed"] = time.Since(t0)

	state, err := r.nav.State(ctx, opts.SessionID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: ask: %w", err)
	}
	plan := newPlan(state, opts, r.cfg)

	var (
		local    map[string]*candidate
		localDur time.Duration
		enhRes   *enhancement.Result
		enhDur   time.Duration
	)

	localCtx, cancelLocal := r.localContext(ctx)
	defer cancelLocal()

	var g errgroup.Group
	if opts.UseContext {
		g.Go(func() error {
			b0 := time.Now()
			local = r.localBranch(localCtx, qvec, question, plan)
			localDur = time.Since(b0)
			return nil
		})
	}
	if providers := opts.providerNames(); len(providers) > 0 {
		g.Go(func() error {
			b0 := time.Now()
			enhRes = r.enhancer.Enhance(ctx, question, providers)
			enhDur = time.Since(b0)
			return nil
		})
	}
	_ = g.Wait()
	timings["local"] = localDur
	timings["enhance"] = enhDur

	if local == nil {
		local = make(map[string]*candidate)
	}

	// Hypothetical expansion seeds one extra local round with the query
	// embedding shifted toward the as-if answer.
	if opts.UseContext && opts.UseHyDE {
		if augmented := augmentQuery(qvec, hydeRecords(enhRes)); augmented != nil {
			r.vectorRound(ctx, augmented, qvec, plan, local)
		}
	}
	r.addExternal(enhRes, qvec, plan, local)

	t0 = time.Now()
	items := r.merge(local, question, state.Tilt, now, r.cfg.finalK(opts.Mode))
	timings["merge"] = time.Since(t0)

	// Durability before reply: fresh enhancement records are persisted
	// and flushed before the answer leaves, so an identical follow-up
	// hits cache. A degraded store only costs the flush, never the ask.
	if fresh := committable(enhRes); len(fresh) > 0 {
		linkRecords(fresh, items)
		if err := r.enhancer.Commit(ctx, opts.SessionID, fresh); err != nil {
			slog.Warn("retrieval: commit enhancement records failed", "error", err)
		} else if err := r.store.FlushSession(ctx, opts.SessionID); err != nil {
			slog.Warn("retrieval: flush before reply failed",
				"session_id", opts.SessionID,
				"error", err,
			)
		}
	}

	t0 = time.Now()
	answer, err := r.synthesize(ctx, question, items)
	if err != nil {
		return nil, fmt.Errorf("retrieval: ask: %w", err)
	}
	timings["synthesize"] = time.Since(t0)
	timings["total"] = time.Since(started)

	res := &Result{
		Answer:       answer,
		ContextItems: items,
		SourcesUsed:  sourcesOf(items),
		Timings:      timings,
	}
	if enhRes != nil {
		res.CacheHits = enhRes.CacheHits()
	}
	return res, nil
}

// localContext bounds the local branch to its share of the remaining
// deadline. Without a deadline the branch runs unbounded.
func (r *Retriever) localContext(ctx context.Context) (context.Context, context.CancelFunc) {
	dl, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	soft := time.Duration(float64(time.Until(dl)) * r.cfg.LocalShare)
	return context.WithTimeout(ctx, soft)
}
