// Package enhancement coordinates external knowledge providers for the
// retrieval fan-out.
//
// The Coordinator consults the requested providers in parallel, each behind
// its own circuit breaker, with bounded retries and a per-call timeout. A
// consultation that succeeds is turned into embedded enhancement records;
// once the retriever has attached links to the personal memories found in
// the same fan-out, Commit persists the records and fills the cache so the
// next identical question skips the provider entirely.
//
// A consultation never fails the whole call: each provider reports its own
// outcome and the caller works with whatever subset succeeded.
package enhancement

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/semem/internal/index"
	"github.com/MrWong99/semem/internal/resilience"
	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/provider/knowledge"
	"github.com/MrWong99/semem/pkg/types"
)

const (
	// DefaultTTL is how long enhancement records stay fresh. Expiry
	// demotes them in retrieval weighting; it never deletes them.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultRetries is how many times a failed lookup is re-attempted.
	DefaultRetries = 2

	// DefaultBackoffBase is the delay before the first re-attempt; it
	// doubles per attempt up to DefaultBackoffCap.
	DefaultBackoffBase = 250 * time.Millisecond
	DefaultBackoffCap  = 2 * time.Second

	// DefaultProviderTimeout bounds each individual lookup attempt.
	DefaultProviderTimeout = 8 * time.Second

	// jitterFraction randomises backoff delays by ±20% so synchronized
	// retries don't stampede a recovering provider.
	jitterFraction = 0.2
)

// Config holds Coordinator tuning knobs. Zero values mean defaults.
type Config struct {
	// TTL is the freshness window written into new enhancement records
	// and used as the cache entry lifetime.
	TTL time.Duration

	// CacheSize bounds the consultation cache.
	CacheSize int

	// Retries is the number of re-attempts after a failed lookup.
	// Negative disables retries entirely.
	Retries int

	// BackoffBase and BackoffCap shape the exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// ProviderTimeout bounds each individual lookup attempt.
	ProviderTimeout time.Duration

	// Breaker configures the per-provider circuit breakers. The Name
	// field is overridden per provider.
	Breaker resilience.CircuitBreakerConfig
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = DefaultProviderTimeout
	}
	return c
}

// Outcome reports how one provider's consultation went. Exactly one of
// CacheHit, Err, or a fresh Records set describes the result; a nil-error
// outcome with no records means the provider had nothing relevant.
type Outcome struct {
	// Provider is the consulted provider's name.
	Provider string

	// CacheHit is true when Records came from the consultation cache
	// without an outbound call.
	CacheHit bool

	// Records are the usable enhancement records, cached or fresh.
	Records []types.Interaction

	// Err is set when the provider failed (breaker open, transport,
	// or embedding failure). The other providers are unaffected.
	Err error
}

// Result carries every consulted provider's outcome in request order.
type Result struct {
	Outcomes []Outcome
}

// Records returns all usable records across providers, cached and fresh.
func (r *Result) Records() []types.Interaction {
	var out []types.Interaction
	for _, o := range r.Outcomes {
		out = append(out, o.Records...)
	}
	return out
}

// Fresh returns only the records fetched during this call — the set Commit
// expects once the caller has attached links.
func (r *Result) Fresh() []types.Interaction {
	var out []types.Interaction
	for _, o := range r.Outcomes {
		if !o.CacheHit {
			out = append(out, o.Records...)
		}
	}
	return out
}

// CacheHits counts providers answered from cache.
func (r *Result) CacheHits() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.CacheHit {
			n++
		}
	}
	return n
}

// Coordinator fans a question out to external knowledge providers and
// manages the consultation cache. Safe for concurrent use.
type Coordinator struct {
	store    *store.Buffered
	index    index.Index
	embedder embeddings.Provider

	providers map[string]knowledge.Provider
	breakers  map[string]*resilience.CircuitBreaker

	ttl             time.Duration
	retries         int
	backoffBase     time.Duration
	backoffCap      time.Duration
	providerTimeout time.Duration

	mu    sync.Mutex
	cache *queryCache
}

// New constructs a Coordinator over the given providers. Provider names
// must be unique; they become cache-key and record-ID namespaces.
func New(st *store.Buffered, idx index.Index, embedder embeddings.Provider, cfg Config, providers ...knowledge.Provider) (*Coordinator, error) {
	if st == nil {
		return nil, fmt.Errorf("enhancement: store must not be nil")
	}
	if idx == nil {
		return nil, fmt.Errorf("enhancement: index must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("enhancement: embedder must not be nil")
	}
	cfg = cfg.withDefaults()

	c := &Coordinator{
		store:           st,
		index:           idx,
		embedder:        embedder,
		providers:       make(map[string]knowledge.Provider, len(providers)),
		breakers:        make(map[string]*resilience.CircuitBreaker, len(providers)),
		ttl:             cfg.TTL,
		retries:         cfg.Retries,
		backoffBase:     cfg.BackoffBase,
		backoffCap:      cfg.BackoffCap,
		providerTimeout: cfg.ProviderTimeout,
		cache:           newQueryCache(cfg.CacheSize),
	}
	for _, p := range providers {
		name := p.Name()
		if _, exists := c.providers[name]; exists {
			return nil, fmt.Errorf("enhancement: duplicate provider %q", name)
		}
		breakerCfg := cfg.Breaker
		breakerCfg.Name = "enhancement/" + name
		c.providers[name] = p
		c.breakers[name] = resilience.NewCircuitBreaker(breakerCfg)
	}
	return c, nil
}

// Providers returns the registered provider names, sorted.
func (c *Coordinator) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enhance consults the named providers in parallel and reports one Outcome
// per name, in request order. It never fails as a whole: provider errors
// stay inside their Outcome, and a cancelled ctx simply surfaces as errors
// on whichever providers were still in flight.
func (c *Coordinator) Enhance(ctx context.Context, question string, providerNames []string) *Result {
	res := &Result{Outcomes: make([]Outcome, len(providerNames))}

	question = strings.TrimSpace(question)
	if question == "" {
		for i, name := range providerNames {
			res.Outcomes[i] = Outcome{Provider: name}
		}
		return res
	}
	normalized := Normalize(question)

	var g errgroup.Group
	for i, name := range providerNames {
		g.Go(func() error {
			res.Outcomes[i] = c.consult(ctx, name, question, normalized)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// consult resolves one provider's answer: cache, then a breaker-guarded
// lookup with retries, then embedding.
func (c *Coordinator) consult(ctx context.Context, name, question, normalized string) Outcome {
	p, ok := c.providers[name]
	if !ok {
		return Outcome{Provider: name, Err: fmt.Errorf("enhancement: unknown provider %q", name)}
	}

	key := cacheKey{provider: name, query: normalized}
	c.mu.Lock()
	records, hit := c.cache.get(key, time.Now())
	c.mu.Unlock()
	if hit {
		return Outcome{Provider: name, CacheHit: true, Records: records}
	}

	var results []knowledge.Result
	err := c.breakers[name].Execute(func() error {
		var lookupErr error
		results, lookupErr = c.lookupWithRetry(ctx, p, question)
		return lookupErr
	})
	if err != nil {
		return Outcome{Provider: name, Err: fmt.Errorf("enhancement: %s: %w", name, err)}
	}

	if len(results) == 0 {
		// Cache the emptiness: an unanswerable question asked again
		// within the TTL must not hammer the provider.
		c.mu.Lock()
		c.cache.put(key, nil, time.Now().Add(c.ttl))
		c.mu.Unlock()
		return Outcome{Provider: name}
	}

	records, err = c.buildRecords(ctx, name, question, normalized, results)
	if err != nil {
		return Outcome{Provider: name, Err: fmt.Errorf("enhancement: %s: %w", name, err)}
	}
	return Outcome{Provider: name, Records: records}
}

// lookupWithRetry calls the provider with a per-attempt timeout and
// exponential jittered backoff between attempts. It gives up as soon as the
// parent ctx is done.
func (c *Coordinator) lookupWithRetry(ctx context.Context, p knowledge.Provider, question string) ([]knowledge.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(c.backoff(attempt)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.providerTimeout)
		results, err := p.Lookup(attemptCtx, question)
		cancel()
		if err == nil {
			return results, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// backoff returns the delay before the given re-attempt (1-based).
func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.backoffBase << (attempt - 1)
	if d > c.backoffCap || d <= 0 {
		d = c.backoffCap
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// buildRecords embeds the provider's results and shapes them into
// enhancement records ready for linking and Commit.
func (c *Coordinator) buildRecords(ctx context.Context, provider, question, normalized string, results []knowledge.Result) ([]types.Interaction, error) {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Content
	}
	vecs, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(results) {
		return nil, fmt.Errorf("embed: expected %d vectors, got %d", len(results), len(vecs))
	}

	now := time.Now().UTC()
	records := make([]types.Interaction, len(results))
	for i, r := range results {
		meta := types.Metadata{
			Title:        r.Title,
			Source:       provider,
			Created:      now,
			LastAccessed: now,
		}
		if r.URL != "" {
			meta.Extra = map[string]string{"url": r.URL}
		}
		records[i] = types.Interaction{
			ID:        types.NamespacedID(provider, r.ID),
			Kind:      types.KindEnhancement,
			Prompt:    question,
			Response:  r.Content,
			Embedding: vecs[i],
			Metadata:  meta,
			Enhancement: &types.EnhancementInfo{
				SourceQuery: normalized,
				Provider:    provider,
				CacheTTL:    c.ttl,
				Expires:     now.Add(c.ttl),
			},
		}
	}
	return records, nil
}

// Commit persists freshly fetched records, makes them searchable, and fills
// the consultation cache so the next identical question is served without
// an outbound call. Callers attach LinkedIDs before committing; committed
// records must be enhancement records produced by Enhance.
func (c *Coordinator) Commit(ctx context.Context, sessionID string, records []types.Interaction) error {
	var errs []error
	groups := make(map[cacheKey][]types.Interaction)
	for _, it := range records {
		if it.Kind != types.KindEnhancement || it.Enhancement == nil {
			errs = append(errs, fmt.Errorf("enhancement: commit %s: not an enhancement record", it.ID))
			continue
		}
		if err := c.store.Put(sessionID, &it); err != nil {
			errs = append(errs, fmt.Errorf("enhancement: commit %s: %w", it.ID, err))
			continue
		}
		if err := c.index.Add(ctx, it.ID, it.Embedding); err != nil {
			errs = append(errs, fmt.Errorf("enhancement: index %s: %w", it.ID, err))
		}
		key := cacheKey{provider: it.Enhancement.Provider, query: it.Enhancement.SourceQuery}
		groups[key] = append(groups[key], it)
	}

	c.mu.Lock()
	for key, recs := range groups {
		expires := recs[0].Enhancement.Expires
		if expires.IsZero() {
			expires = time.Now().Add(c.ttl)
		}
		c.cache.put(key, recs, expires)
	}
	c.mu.Unlock()

	return errors.Join(errs...)
}

// CacheLen reports how many consultations are currently cached.
func (c *Coordinator) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.len()
}

// Normalize canonicalises a question for cache keying: lowercase, strip
// punctuation and symbols, collapse whitespace runs to single spaces.
func Normalize(question string) string {
	question = strings.ToLower(question)
	var b strings.Builder
	b.Grow(len(question))
	pendingSpace := false
	for _, r := range question {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// stripped
		default:
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
