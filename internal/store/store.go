// Package store persists interactions and navigation state to a SPARQL
// endpoint through a write-behind buffer.
//
// Writes are buffered per session and flushed as one transactional batch
// once the session has been quiet for the flush window, or once the oldest
// buffered write reaches the maximum lag. Reads within a session see
// buffered writes immediately; other sessions see them after the flush.
// When the endpoint is unreachable the store degrades to session-cache-only
// operation, keeps queued writes, and replays them once a recovery probe
// succeeds.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"text/template"
	"time"

	"github.com/MrWong99/semem/pkg/rdf"
	"github.com/MrWong99/semem/pkg/types"
)

const (
	// DefaultFlushWindow is how long a session must stay quiet before its
	// buffered writes are flushed.
	DefaultFlushWindow = 500 * time.Millisecond

	// DefaultMaxLag caps how long any buffered write may wait, no matter
	// how busy the session is.
	DefaultMaxLag = 2 * time.Second

	// DefaultRecoveryInterval is how often the endpoint is probed while
	// the store is degraded.
	DefaultRecoveryInterval = 5 * time.Second

	// flushTick is the granularity of the flush scheduler.
	flushTick = 100 * time.Millisecond

	// maxBatchAttempts bounds retries of a batch that fails for a reason
	// other than endpoint unavailability before its writes are dropped.
	maxBatchAttempts = 3
)

// ErrNotFound is returned when no record exists for a requested ID.
var ErrNotFound = errors.New("store: not found")

// Config configures a [Buffered] store.
type Config struct {
	// Schema names the graphs and predicate namespace. Zero values are
	// filled with defaults.
	Schema Schema

	// TemplatesDir optionally overrides the embedded query templates with
	// same-named *.rq files from this directory.
	TemplatesDir string

	// FlushWindow is the quiet period before a session buffer is flushed.
	// Defaults to DefaultFlushWindow if zero.
	FlushWindow time.Duration

	// MaxLag is the longest any write may stay buffered. Defaults to
	// DefaultMaxLag if zero.
	MaxLag time.Duration

	// CacheSize is the capacity of the interaction cache. Defaults to
	// DefaultCacheSize if zero.
	CacheSize int

	// RecoveryInterval is the probe period while degraded. Defaults to
	// DefaultRecoveryInterval if zero.
	RecoveryInterval time.Duration
}

func (c Config) withDefaults() Config {
	c.Schema = c.Schema.withDefaults()
	if c.FlushWindow <= 0 {
		c.FlushWindow = DefaultFlushWindow
	}
	if c.MaxLag <= 0 {
		c.MaxLag = DefaultMaxLag
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}
	return c
}

// pendingWrite is one unflushed record version with its enqueue time.
type pendingWrite struct {
	it *types.Interaction
	at time.Time
}

// sessionBuffer holds a session's unflushed writes. Re-put of the same ID
// replaces the pending version; insertion order is kept for flushing.
type sessionBuffer struct {
	pending  map[string]*pendingWrite
	order    []string
	state    *types.NavigationState
	stateAt  time.Time
	attempts int
}

func newSessionBuffer() *sessionBuffer {
	return &sessionBuffer{pending: make(map[string]*pendingWrite)}
}

func (sb *sessionBuffer) empty() bool {
	return len(sb.pending) == 0 && sb.state == nil
}

// bounds returns the enqueue times of the oldest and newest unflushed
// write. Both are zero when the buffer is empty.
func (sb *sessionBuffer) bounds() (oldest, newest time.Time) {
	for _, pw := range sb.pending {
		if oldest.IsZero() || pw.at.Before(oldest) {
			oldest = pw.at
		}
		if pw.at.After(newest) {
			newest = pw.at
		}
	}
	if sb.state != nil {
		if oldest.IsZero() || sb.stateAt.Before(oldest) {
			oldest = sb.stateAt
		}
		if sb.stateAt.After(newest) {
			newest = sb.stateAt
		}
	}
	return oldest, newest
}

// Buffered is a write-behind store on top of an [rdf.Store].
//
// All methods are safe for concurrent use.
type Buffered struct {
	backend   rdf.Store
	schema    Schema
	templates *template.Template

	window        time.Duration
	maxLag        time.Duration
	recoveryEvery time.Duration

	cache *lruCache

	mu        sync.Mutex
	sessions  map[string]*sessionBuffer
	degraded  bool
	lastErr   error
	lastProbe time.Time

	// flushMu serializes batch flushes so the scheduled loop and explicit
	// FlushSession calls never interleave partial batches.
	flushMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewBuffered creates a write-behind store over backend. Call
// [Buffered.Start] to begin scheduled flushing.
func NewBuffered(backend rdf.Store, cfg Config) (*Buffered, error) {
	if backend == nil {
		return nil, errors.New("store: backend must not be nil")
	}
	cfg = cfg.withDefaults()
	tmpl, err := loadTemplates(cfg.TemplatesDir)
	if err != nil {
		return nil, err
	}
	return &Buffered{
		backend:       backend,
		schema:        cfg.Schema,
		templates:     tmpl,
		window:        cfg.FlushWindow,
		maxLag:        cfg.MaxLag,
		recoveryEvery: cfg.RecoveryInterval,
		cache:         newLRUCache(cfg.CacheSize),
		sessions:      make(map[string]*sessionBuffer),
		done:          make(chan struct{}),
	}, nil
}

// Start begins the flush scheduler in a background goroutine. The
// goroutine runs until [Buffered.Stop] is called or ctx is cancelled.
func (b *Buffered) Start(ctx context.Context) {
	go b.loop(ctx)
}

// Stop halts the flush scheduler. Safe to call multiple times. Buffered
// writes are not flushed; call [Buffered.Close] for a final flush.
func (b *Buffered) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

// Close stops the scheduler and flushes all remaining buffered writes.
func (b *Buffered) Close() error {
	b.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.FlushAll(ctx)
}

// Put buffers a record write for the session. An existing record with the
// same ID is replaced on flush. The caller must not mutate it afterwards.
func (b *Buffered) Put(sessionID string, it *types.Interaction) error {
	if it == nil || it.ID == "" {
		return errors.New("store: put: record must have an ID")
	}
	if !it.Kind.IsValid() {
		return fmt.Errorf("store: put %s: invalid kind %q", it.ID, it.Kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sb := b.sessionLocked(sessionID)
	if _, ok := sb.pending[it.ID]; !ok {
		sb.order = append(sb.order, it.ID)
	}
	sb.pending[it.ID] = &pendingWrite{it: it, at: time.Now()}
	return nil
}

// SaveState buffers the session's navigation state. Consecutive saves
// within a flush window collapse into one write.
func (b *Buffered) SaveState(sessionID string, st types.NavigationState) {
	cl := st.Clone()
	b.mu.Lock()
	defer b.mu.Unlock()
	sb := b.sessionLocked(sessionID)
	sb.state = &cl
	sb.stateAt = time.Now()
}

// Get returns the record with the given ID. The session's own buffered
// writes are visible immediately; everything else is served from the
// cache or fetched from the endpoint. Returns [ErrNotFound] if no such
// record exists and a wrapped [rdf.ErrUnavailable] while degraded.
func (b *Buffered) Get(ctx context.Context, sessionID, id string) (*types.Interaction, error) {
	b.mu.Lock()
	if sb, ok := b.sessions[sessionID]; ok {
		if pw, ok := sb.pending[id]; ok {
			b.mu.Unlock()
			return pw.it, nil
		}
	}
	degraded := b.degraded
	b.mu.Unlock()

	if it, ok := b.cache.get(id); ok {
		return it, nil
	}
	if degraded {
		return nil, fmt.Errorf("store: get %s: %w", id, rdf.ErrUnavailable)
	}

	q, err := b.render("get_interaction.rq", subjectData{
		Graph:   b.schema.InteractionGraph,
		Subject: b.schema.subjectIRI(id),
	})
	if err != nil {
		return nil, err
	}
	rows, err := b.backend.Select(ctx, q)
	if err != nil {
		if errors.Is(err, rdf.ErrUnavailable) {
			b.noteUnavailable(err)
		}
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("store: get %s: %w", id, ErrNotFound)
	}
	it, err := b.schema.interactionFromBindings(id, rows)
	if err != nil {
		return nil, err
	}
	b.cache.put(id, it)
	return it, nil
}

// FlushSession synchronously flushes the session's buffered writes as one
// transactional batch. A failed batch keeps the writes queued when the
// endpoint is unreachable and retries a bounded number of times otherwise.
func (b *Buffered) FlushSession(ctx context.Context, sessionID string) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	sb, ok := b.sessions[sessionID]
	if !ok || sb.empty() {
		b.mu.Unlock()
		return nil
	}
	ids := append([]string(nil), sb.order...)
	writes := make([]*pendingWrite, 0, len(ids))
	for _, id := range ids {
		writes = append(writes, sb.pending[id])
	}
	state := sb.state
	b.mu.Unlock()

	updates := make([]string, 0, len(writes)*2+1)
	for _, pw := range writes {
		del, err := b.render("delete_interaction.rq", subjectData{
			Graph:   b.schema.InteractionGraph,
			Subject: b.schema.subjectIRI(pw.it.ID),
		})
		if err != nil {
			return err
		}
		ins, err := b.renderInsert(pw.it)
		if err != nil {
			return err
		}
		updates = append(updates, del, ins)
	}
	if state != nil {
		up, err := b.renderSaveState(sessionID, *state)
		if err != nil {
			return err
		}
		updates = append(updates, up)
	}

	if err := b.backend.Batch(ctx, updates); err != nil {
		if errors.Is(err, rdf.ErrUnavailable) {
			b.noteUnavailable(err)
			return fmt.Errorf("store: flush session %s: %w", sessionID, err)
		}
		b.mu.Lock()
		sb.attempts++
		dropped := 0
		if sb.attempts >= maxBatchAttempts {
			dropped = b.clearFlushedLocked(sb, writes, state)
		}
		b.mu.Unlock()
		if dropped > 0 {
			slog.Error("store: dropping writes after repeated flush failures",
				"session_id", sessionID,
				"dropped", dropped,
				"attempts", maxBatchAttempts,
				"error", err,
			)
		}
		return fmt.Errorf("store: flush session %s: %w", sessionID, err)
	}

	b.mu.Lock()
	b.clearFlushedLocked(sb, writes, state)
	sb.attempts = 0
	if b.degraded {
		b.degraded = false
		b.lastErr = nil
		slog.Info("store: endpoint reachable again", "session_id", sessionID)
	}
	b.mu.Unlock()
	return nil
}

// clearFlushedLocked removes the given snapshot from the session buffer,
// promoting flushed records to the shared cache. Writes that were
// replaced while the flush was in flight stay pending. Returns how many
// entries were removed.
func (b *Buffered) clearFlushedLocked(sb *sessionBuffer, writes []*pendingWrite, state *types.NavigationState) int {
	removed := 0
	for _, pw := range writes {
		cur, ok := sb.pending[pw.it.ID]
		b.cache.put(pw.it.ID, pw.it)
		if ok && cur == pw {
			delete(sb.pending, pw.it.ID)
			removed++
		}
	}
	if state != nil && sb.state == state {
		sb.state = nil
		sb.stateAt = time.Time{}
		removed++
	}
	remaining := sb.order[:0]
	for _, id := range sb.order {
		if _, ok := sb.pending[id]; ok {
			remaining = append(remaining, id)
		}
	}
	sb.order = remaining
	return removed
}

// FlushAll flushes every session with buffered writes, in session order.
func (b *Buffered) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	sids := make([]string, 0, len(b.sessions))
	for sid, sb := range b.sessions {
		if !sb.empty() {
			sids = append(sids, sid)
		}
	}
	b.mu.Unlock()
	sort.Strings(sids)

	var errs []error
	for _, sid := range sids {
		if err := b.FlushSession(ctx, sid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DropSession discards the session's buffered writes and state without
// flushing. Used when a session is evicted after its writes were flushed.
func (b *Buffered) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// Status reports the store's health for diagnostics.
type Status struct {
	// Degraded is true while the endpoint is unreachable and the store
	// serves session caches only.
	Degraded bool `json:"degraded"`

	// QueuedWrites is the number of buffered record writes awaiting flush.
	QueuedWrites int `json:"queuedWrites"`

	// QueuedSessions is the number of sessions with buffered writes.
	QueuedSessions int `json:"queuedSessions"`

	// CachedRecords is the number of records in the read cache.
	CachedRecords int `json:"cachedRecords"`

	// LastError is the most recent endpoint error, if any.
	LastError string `json:"lastError,omitempty"`
}

// Status returns a snapshot of the store's health.
func (b *Buffered) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{Degraded: b.degraded}
	for _, sb := range b.sessions {
		if sb.empty() {
			continue
		}
		st.QueuedSessions++
		st.QueuedWrites += len(sb.pending)
		if sb.state != nil {
			st.QueuedWrites++
		}
	}
	st.CachedRecords = b.cache.len()
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	return st
}

// Probe checks endpoint liveness.
func (b *Buffered) Probe(ctx context.Context) error {
	return b.backend.Probe(ctx)
}

func (b *Buffered) sessionLocked(sessionID string) *sessionBuffer {
	sb, ok := b.sessions[sessionID]
	if !ok {
		sb = newSessionBuffer()
		b.sessions[sessionID] = sb
	}
	return sb
}

func (b *Buffered) isDegraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

func (b *Buffered) noteUnavailable(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err
	b.lastProbe = time.Now()
	if !b.degraded {
		b.degraded = true
		slog.Warn("store: endpoint unreachable, entering session-cache-only mode",
			"error", err,
		)
	}
}

// loop runs the flush scheduler: flushes due sessions while healthy and
// probes for recovery while degraded.
func (b *Buffered) loop(ctx context.Context) {
	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			if b.isDegraded() {
				b.tryRecover(ctx)
				continue
			}
			b.flushDue(ctx, time.Now())
		}
	}
}

// flushDue flushes every session that has been quiet for the flush window
// or whose oldest write has exceeded the maximum lag.
func (b *Buffered) flushDue(ctx context.Context, now time.Time) {
	b.mu.Lock()
	var due []string
	for sid, sb := range b.sessions {
		if sb.empty() {
			continue
		}
		oldest, newest := sb.bounds()
		if now.Sub(newest) >= b.window || now.Sub(oldest) >= b.maxLag {
			due = append(due, sid)
		}
	}
	b.mu.Unlock()
	sort.Strings(due)

	for _, sid := range due {
		if err := b.FlushSession(ctx, sid); err != nil {
			slog.Warn("store: scheduled flush failed",
				"session_id", sid,
				"error", err,
			)
			if b.isDegraded() {
				return
			}
		}
	}
}

// tryRecover probes the endpoint at the recovery interval and replays all
// queued writes once it answers.
func (b *Buffered) tryRecover(ctx context.Context) {
	b.mu.Lock()
	if time.Since(b.lastProbe) < b.recoveryEvery {
		b.mu.Unlock()
		return
	}
	b.lastProbe = time.Now()
	b.mu.Unlock()

	if err := b.backend.Probe(ctx); err != nil {
		return
	}

	b.mu.Lock()
	b.degraded = false
	b.lastErr = nil
	queued := 0
	for _, sb := range b.sessions {
		queued += len(sb.pending)
	}
	b.mu.Unlock()

	slog.Info("store: endpoint recovered, replaying queued writes",
		"queued", queued,
	)
	if err := b.FlushAll(ctx); err != nil {
		slog.Warn("store: replay after recovery failed", "error", err)
	}
}

func (b *Buffered) renderInsert(it *types.Interaction) (string, error) {
	triples, err := b.schema.interactionTriples(it)
	if err != nil {
		return "", err
	}
	return b.render("insert_interaction.rq", insertData{
		Graph:   b.schema.InteractionGraph,
		Subject: b.schema.subjectIRI(it.ID),
		Triples: triples,
	})
}
