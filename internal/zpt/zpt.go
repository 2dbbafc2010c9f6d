// Package zpt manages the per-session three-axis navigation state.
//
// Zoom narrows which record kinds come into view, pan filters candidates
// by metadata predicates, and tilt picks the primary ranking signal.
// State mutations never touch stored content; they only steer retrieval.
// State is cached in memory per session and persisted through the store
// so a session resumes where it left off.
package zpt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/pkg/rdf"
	"github.com/MrWong99/semem/pkg/types"
)

// Manager holds navigation state for all live sessions.
//
// All methods are safe for concurrent use.
type Manager struct {
	store *store.Buffered

	mu     sync.Mutex
	states map[string]*types.NavigationState
}

// NewManager creates a Manager persisting through st.
func NewManager(st *store.Buffered) *Manager {
	return &Manager{
		store:  st,
		states: make(map[string]*types.NavigationState),
	}
}

// State returns the session's current navigation state, loading it from
// the store on first access. Brand-new sessions start with the default
// state; an unreachable store also falls back to the default so
// navigation keeps working while degraded.
func (m *Manager) State(ctx context.Context, sessionID string) (types.NavigationState, error) {
	m.mu.Lock()
	if st, ok := m.states[sessionID]; ok {
		out := st.Clone()
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	st, err := m.store.LoadState(ctx, sessionID)
	switch {
	case err == nil:
		st = normalize(st)
	case errors.Is(err, store.ErrNotFound):
		st = types.DefaultNavigationState()
	case errors.Is(err, rdf.ErrUnavailable):
		slog.Warn("zpt: store unavailable, starting with default state",
			"session_id", sessionID,
		)
		st = types.DefaultNavigationState()
	default:
		return types.NavigationState{}, fmt.Errorf("zpt: load state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.states[sessionID]; ok {
		// Another goroutine loaded it first; keep that copy.
		return cur.Clone(), nil
	}
	keep := st.Clone()
	m.states[sessionID] = &keep
	return st, nil
}

// SetZoom updates the session's zoom level and returns the new state.
func (m *Manager) SetZoom(ctx context.Context, sessionID string, level types.ZoomLevel) (types.NavigationState, error) {
	if !level.IsValid() {
		return types.NavigationState{}, fmt.Errorf("zpt: invalid zoom level %q", level)
	}
	return m.update(ctx, sessionID, func(st *types.NavigationState) {
		st.Zoom = level
	})
}

// SetTilt updates the session's tilt style and returns the new state.
func (m *Manager) SetTilt(ctx context.Context, sessionID string, style types.TiltStyle) (types.NavigationState, error) {
	if !style.IsValid() {
		return types.NavigationState{}, fmt.Errorf("zpt: invalid tilt style %q", style)
	}
	return m.update(ctx, sessionID, func(st *types.NavigationState) {
		st.Tilt = style
	})
}

// PanUpdate is a partial change to the pan filter. Present list
// predicates are merged additively (or replace everything when Reset is
// set); Temporal and Geographic replace their predicate when present.
type PanUpdate struct {
	Domains    []string
	Keywords   []string
	Entities   []string
	Temporal   *types.TimeRange
	Geographic *types.GeoBox

	// Reset replaces the whole filter with the given predicates instead
	// of merging.
	Reset bool

	// Threshold, when non-nil, updates the relevance threshold.
	Threshold *float64
}

// UpdatePan applies a partial pan change and returns the new state.
func (m *Manager) UpdatePan(ctx context.Context, sessionID string, upd PanUpdate) (types.NavigationState, error) {
	if upd.Threshold != nil && (*upd.Threshold < 0 || *upd.Threshold > 1) {
		return types.NavigationState{}, fmt.Errorf("zpt: relevance threshold %v out of [0,1]", *upd.Threshold)
	}
	return m.update(ctx, sessionID, func(st *types.NavigationState) {
		if upd.Reset {
			st.Pan = types.PanFilter{
				Domains:    append([]string(nil), upd.Domains...),
				Keywords:   append([]string(nil), upd.Keywords...),
				Entities:   append([]string(nil), upd.Entities...),
				Temporal:   upd.Temporal,
				Geographic: upd.Geographic,
			}
		} else {
			st.Pan.Domains = mergeUnique(st.Pan.Domains, upd.Domains)
			st.Pan.Keywords = mergeUnique(st.Pan.Keywords, upd.Keywords)
			st.Pan.Entities = mergeUnique(st.Pan.Entities, upd.Entities)
			if upd.Temporal != nil {
				t := *upd.Temporal
				st.Pan.Temporal = &t
			}
			if upd.Geographic != nil {
				g := *upd.Geographic
				st.Pan.Geographic = &g
			}
		}
		if upd.Threshold != nil {
			st.RelevanceThreshold = *upd.Threshold
		}
	})
}

// Fade moves records out of view for this session. Faded records stay
// durable; they are only excluded from retrieval candidates.
func (m *Manager) Fade(ctx context.Context, sessionID string, ids ...string) (types.NavigationState, error) {
	return m.update(ctx, sessionID, func(st *types.NavigationState) {
		st.FadeOut = mergeUnique(st.FadeOut, ids)
	})
}

// DropSession evicts the session's cached state. The persisted copy is
// untouched.
func (m *Manager) DropSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
}

// update applies mutate to a copy of the current state, caches it, and
// schedules persistence through the store's write buffer.
func (m *Manager) update(ctx context.Context, sessionID string, mutate func(*types.NavigationState)) (types.NavigationState, error) {
	cur, err := m.State(ctx, sessionID)
	if err != nil {
		return types.NavigationState{}, err
	}
	mutate(&cur)

	m.mu.Lock()
	keep := cur.Clone()
	m.states[sessionID] = &keep
	m.mu.Unlock()

	m.store.SaveState(sessionID, cur)
	return cur, nil
}

// normalize repairs a persisted state whose enum fields are missing or
// from an older vocabulary.
func normalize(st types.NavigationState) types.NavigationState {
	def := types.DefaultNavigationState()
	if !st.Zoom.IsValid() {
		st.Zoom = def.Zoom
	}
	if !st.Tilt.IsValid() {
		st.Tilt = def.Tilt
	}
	if st.RelevanceThreshold < 0 || st.RelevanceThreshold > 1 {
		st.RelevanceThreshold = def.RelevanceThreshold
	}
	return st
}

func mergeUnique(existing, add []string) []string {
	if len(add) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing)+len(add))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	out := existing
	for _, v := range add {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
