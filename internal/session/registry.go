package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an idle session survives before eviction.
	DefaultTTL = 24 * time.Hour

	// defaultSweepInterval is the default period between eviction scans.
	defaultSweepInterval = 5 * time.Minute
)

// Registry hands out sessions by ID and evicts idle ones.
//
// All methods are safe for concurrent use.
type Registry struct {
	ttl        time.Duration
	sweepEvery time.Duration
	historyCfg HistoryConfig

	mu       sync.Mutex
	sessions map[string]*Session
	evictFns []func(sessionID string)

	done     chan struct{}
	stopOnce sync.Once
}

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// TTL is how long an idle session survives. Defaults to DefaultTTL.
	TTL time.Duration

	// SweepInterval is how often idle sessions are scanned for. Defaults
	// to 5 minutes.
	SweepInterval time.Duration

	// History configures each new session's conversation history.
	History HistoryConfig
}

// NewRegistry creates a new [Registry] with the given configuration.
func NewRegistry(cfg RegistryConfig) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	return &Registry{
		ttl:        ttl,
		sweepEvery: sweep,
		historyCfg: cfg.History,
		sessions:   make(map[string]*Session),
		done:       make(chan struct{}),
	}
}

// OnEvict registers a hook called with the session ID whenever a session
// is evicted. Register hooks before Start; they run outside the registry
// lock.
func (r *Registry) OnEvict(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictFns = append(r.evictFns, fn)
}

// GetOrCreate returns the session with the given ID, creating it on first
// use, and marks it as just used.
func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, NewHistory(r.historyCfg))
		r.sessions[id] = s
	}
	r.mu.Unlock()
	if ok {
		s.Touch()
	}
	return s
}

// Get returns the session with the given ID without creating or touching
// it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Evict removes the session immediately and runs the eviction hooks.
// Returns false if the session does not exist.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	fns := r.evictFns
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, fn := range fns {
		fn(id)
	}
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the live session IDs in ascending order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start begins the idle-session sweep in a background goroutine. The
// goroutine runs until [Registry.Stop] is called or ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop halts the sweep loop. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Registry) loop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if n := r.sweep(time.Now()); n > 0 {
				slog.Info("session: evicted idle sessions",
					"evicted", n,
					"ttl", r.ttl,
				)
			}
		}
	}
}

// sweep evicts every session idle for longer than the TTL and returns how
// many were evicted. Hooks run outside the registry lock.
func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if now.Sub(s.LastAccess()) >= r.ttl {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.sessions, id)
	}
	fns := r.evictFns
	r.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		for _, fn := range fns {
			fn(id)
		}
	}
	return len(expired)
}
