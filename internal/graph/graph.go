// Package graph maintains the concept graph: an undirected weighted
// graph over concept labels whose edge weights count co-occurrence.
//
// The graph supports spreading activation for retrieval scoring, a
// background decay loop that ages edge weights, and cached community
// detection for community-level navigation. It follows single-writer /
// multi-reader locking; all methods are safe for concurrent use.
package graph

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Defaults for the aging loop.
const (
	// DefaultDecayFactor is applied multiplicatively to every edge
	// weight on each decay tick.
	DefaultDecayFactor = 0.995

	// DefaultDecayInterval is the period between decay ticks.
	DefaultDecayInterval = 24 * time.Hour

	// DefaultPruneFloor removes edges whose weight decays below it.
	DefaultPruneFloor = 0.05

	// DefaultCommunityDrift invalidates the community cache when the
	// edge count changes by more than this fraction.
	DefaultCommunityDrift = 0.10
)

// Node is a concept participating in the graph.
type Node struct {
	Label       string
	Embedding   []float32
	FirstSeen   time.Time
	Occurrences int
}

// Edge is one undirected weighted connection between two concepts.
type Edge struct {
	A, B   string
	Weight float64
}

// Activation is a concept with its spreading-activation score.
type Activation struct {
	Concept    string
	Activation float64
}

// Config tunes a [Graph]. Zero values select the package defaults.
type Config struct {
	// DecayFactor multiplies every edge weight on each tick.
	DecayFactor float64

	// DecayInterval is the period between decay ticks.
	DecayInterval time.Duration

	// PruneFloor drops edges whose weight falls below it.
	PruneFloor float64

	// CommunityDrift is the fractional edge-count change that
	// invalidates cached communities.
	CommunityDrift float64
}

func (c Config) withDefaults() Config {
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = DefaultDecayFactor
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = DefaultDecayInterval
	}
	if c.PruneFloor <= 0 {
		c.PruneFloor = DefaultPruneFloor
	}
	if c.CommunityDrift <= 0 {
		c.CommunityDrift = DefaultCommunityDrift
	}
	return c
}

// Graph is the in-memory concept graph.
type Graph struct {
	cfg Config

	mu        sync.RWMutex
	nodes     map[string]*Node
	adj       map[string]map[string]float64
	edgeCount int

	// community cache, guarded by mu
	communities    map[string]int
	communityEdges int
	communityValid bool

	done     chan struct{}
	stopOnce sync.Once
}

// New creates an empty concept graph.
func New(cfg Config) *Graph {
	return &Graph{
		cfg:   cfg.withDefaults(),
		nodes: make(map[string]*Node),
		adj:   make(map[string]map[string]float64),
		done:  make(chan struct{}),
	}
}

// Observe records one co-occurrence of the given concepts: each label
// gains an occurrence and every pair gains edge weight 1. Duplicate
// labels in the slice are counted once.
func (g *Graph) Observe(concepts []string) {
	unique := uniqueSorted(concepts)
	if len(unique) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for _, label := range unique {
		g.touchLocked(label, now)
	}
	for i := 0; i < len(unique); i++ {
		for j := i + 1; j < len(unique); j++ {
			g.addEdgeLocked(unique[i], unique[j], 1)
		}
	}
}

// AddEdge increments the weight of the undirected edge between a and b
// by 1, creating the nodes as needed. Self-edges are ignored.
func (g *Graph) AddEdge(a, b string) {
	if a == b || a == "" || b == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	g.touchLocked(a, now)
	g.touchLocked(b, now)
	g.addEdgeLocked(a, b, 1)
}

// touchLocked ensures a node exists and bumps its occurrence count.
func (g *Graph) touchLocked(label string, now time.Time) {
	n, ok := g.nodes[label]
	if !ok {
		n = &Node{Label: label, FirstSeen: now}
		g.nodes[label] = n
	}
	n.Occurrences++
}

// addEdgeLocked adds delta to the symmetric edge weight.
func (g *Graph) addEdgeLocked(a, b string, delta float64) {
	if g.adj[a] == nil {
		g.adj[a] = make(map[string]float64)
	}
	if g.adj[b] == nil {
		g.adj[b] = make(map[string]float64)
	}
	if _, exists := g.adj[a][b]; !exists {
		g.edgeCount++
	}
	g.adj[a][b] += delta
	g.adj[b][a] += delta
}

// SetEmbedding attaches an embedding to a concept node, creating the
// node if it is unknown.
func (g *Graph) SetEmbedding(label string, embedding []float32) {
	if label == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[label]
	if !ok {
		n = &Node{Label: label, FirstSeen: time.Now()}
		g.nodes[label] = n
	}
	n.Embedding = embedding
}

// Node returns a copy of the node for label.
func (g *Graph) Node(label string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[label]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Weight returns the current weight of the edge between a and b, zero
// when no edge exists.
func (g *Graph) Weight(a, b string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.adj[a][b]
}

// Neighbors returns the edges incident to label, sorted by descending
// weight then label.
func (g *Graph) Neighbors(label string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	adj := g.adj[label]
	if len(adj) == 0 {
		return nil
	}
	edges := make([]Edge, 0, len(adj))
	for other, w := range adj {
		edges = append(edges, Edge{A: label, B: other, Weight: w})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Weight != edges[j].Weight {
			return edges[i].Weight > edges[j].Weight
		}
		return edges[i].B < edges[j].B
	})
	return edges
}

// NodeCount returns the number of known concepts.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of undirected edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgeCount
}

// SpreadActivation seeds the given concepts with activation 1.0 and
// propagates outward for at most hops rounds. Each round a node passes
// activation × decay to its neighbors, split proportionally to edge
// weight. Nodes fire once; later rounds may still raise their score.
// The result contains every reached concept sorted by descending
// activation, ties broken by label, seeds included.
func (g *Graph) SpreadActivation(seeds []string, hops int, decay float64) []Activation {
	if hops <= 0 || decay <= 0 {
		hops = 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	act := make(map[string]float64)
	var frontier []string
	for _, s := range uniqueSorted(seeds) {
		if _, ok := g.nodes[s]; ok {
			act[s] = 1.0
			frontier = append(frontier, s)
		}
	}
	visited := make(map[string]bool, len(frontier))
	for _, s := range frontier {
		visited[s] = true
	}

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		// Fire from a stable snapshot so sibling contributions within a
		// round cannot influence each other.
		delta := make(map[string]float64)
		for _, n := range frontier {
			adj := g.adj[n]
			var total float64
			for _, w := range adj {
				total += w
			}
			if total == 0 {
				continue
			}
			fire := act[n] * decay
			for m, w := range adj {
				delta[m] += fire * w / total
			}
		}

		// Merge in sorted order: float accumulation stays deterministic.
		next := frontier[:0:0]
		for _, m := range sortedKeys(delta) {
			act[m] += delta[m]
			if !visited[m] {
				visited[m] = true
				next = append(next, m)
			}
		}
		frontier = next
	}

	out := make([]Activation, 0, len(act))
	for label, a := range act {
		out = append(out, Activation{Concept: label, Activation: a})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Activation != out[j].Activation {
			return out[i].Activation > out[j].Activation
		}
		return out[i].Concept < out[j].Concept
	})
	return out
}

// DecayOnce multiplies every edge weight by the decay factor and prunes
// edges falling below the floor. It returns the number of pruned edges.
func (g *Graph) DecayOnce() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	pruned := 0
	for a, adj := range g.adj {
		for b := range adj {
			if a > b {
				continue // each undirected edge once
			}
			w := adj[b] * g.cfg.DecayFactor
			if w < g.cfg.PruneFloor {
				delete(g.adj[a], b)
				delete(g.adj[b], a)
				g.edgeCount--
				pruned++
				continue
			}
			g.adj[a][b] = w
			g.adj[b][a] = w
		}
	}
	return pruned
}

// Retune replaces the decay and community tunables at runtime without
// touching graph contents. The decay ticker keeps its startup interval;
// everything else takes effect on the next tick or community query.
func (g *Graph) Retune(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.DecayFactor = cfg.DecayFactor
	g.cfg.PruneFloor = cfg.PruneFloor
	g.cfg.CommunityDrift = cfg.CommunityDrift
}

// Start launches the background decay loop. It runs until ctx is
// cancelled or [Graph.Stop] is called.
func (g *Graph) Start(ctx context.Context) {
	go g.decayLoop(ctx)
}

// Stop halts the decay loop. Safe to call multiple times.
func (g *Graph) Stop() {
	g.stopOnce.Do(func() {
		close(g.done)
	})
}

func (g *Graph) decayLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.DecayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-ticker.C:
			if pruned := g.DecayOnce(); pruned > 0 {
				slog.Debug("concept graph decay pruned edges",
					"pruned", pruned,
					"edges", g.EdgeCount(),
				)
			}
		}
	}
}

// uniqueSorted returns the distinct non-empty strings of in, sorted.
func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
