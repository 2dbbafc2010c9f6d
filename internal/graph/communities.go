package graph

import "sort"

// maxPropagationRounds bounds the label-propagation sweep. Small graphs
// converge in two or three rounds; the cap keeps pathological cases
// from spinning.
const maxPropagationRounds = 10

// Communities groups concepts into communities by weighted label
// propagation: every node starts in its own community and repeatedly
// adopts the community holding the largest share of its incident edge
// weight, until assignments stabilise. Results are cached and reused
// until the edge count drifts beyond the configured fraction.
//
// The returned slices are ordered: communities by their lowest member
// label, members alphabetically. Isolated concepts form singleton
// communities.
func (g *Graph) Communities() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	assign := g.communitiesLocked()

	members := make(map[int][]string)
	for label, c := range assign {
		members[c] = append(members[c], label)
	}
	out := make([][]string, 0, len(members))
	for _, group := range members {
		sort.Strings(group)
		out = append(out, group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// CommunityOf returns the sorted member labels of the community
// containing label, or nil when the concept is unknown.
func (g *Graph) CommunityOf(label string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	assign := g.communitiesLocked()
	c, ok := assign[label]
	if !ok {
		return nil
	}
	var group []string
	for other, oc := range assign {
		if oc == c {
			group = append(group, other)
		}
	}
	sort.Strings(group)
	return group
}

// communitiesLocked returns the cached assignment, recomputing it when
// the cache is missing or the edge count drifted too far. Must be
// called with g.mu held for writing.
func (g *Graph) communitiesLocked() map[string]int {
	if g.communityValid {
		drift := g.edgeCount - g.communityEdges
		if drift < 0 {
			drift = -drift
		}
		base := g.communityEdges
		if base == 0 {
			base = 1
		}
		if float64(drift)/float64(base) <= g.cfg.CommunityDrift {
			return g.communities
		}
	}

	g.communities = g.propagateLocked()
	g.communityEdges = g.edgeCount
	g.communityValid = true
	return g.communities
}

// propagateLocked runs the deterministic label-propagation sweep.
func (g *Graph) propagateLocked() map[string]int {
	labels := make([]string, 0, len(g.nodes))
	for label := range g.nodes {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	assign := make(map[string]int, len(labels))
	for i, label := range labels {
		assign[label] = i
	}

	for round := 0; round < maxPropagationRounds; round++ {
		changed := false
		for _, label := range labels {
			adj := g.adj[label]
			if len(adj) == 0 {
				continue
			}
			// Tally incident weight per neighboring community.
			votes := make(map[int]float64, len(adj))
			for other, w := range adj {
				votes[assign[other]] += w
			}
			best, bestWeight := assign[label], 0.0
			for c, w := range votes {
				if w > bestWeight || (w == bestWeight && c < best) {
					best, bestWeight = c, w
				}
			}
			if best != assign[label] {
				assign[label] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	// Renumber densely in order of first appearance.
	renumber := make(map[int]int)
	for _, label := range labels {
		old := assign[label]
		if _, ok := renumber[old]; !ok {
			renumber[old] = len(renumber)
		}
		assign[label] = renumber[old]
	}
	return assign
}
