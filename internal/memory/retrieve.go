package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/rdf"
	"github.com/MrWong99/semem/pkg/types"
)

// Retrieve is the pure local read path: a vector search over the index with
// the hits loaded from the store. No external knowledge provider and no LLM
// is consulted. Hits scoring below threshold are dropped, expired
// enhancement records are excluded from weighting, and results are capped
// to limit.
//
// The returned records are copies; mutating them does not touch the cache.
func (m *Manager) Retrieve(ctx context.Context, sessionID, query string, limit int, threshold float64) ([]types.Scored, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: embed query: %w", err)
	}
	if err := embeddings.ValidateDimension(vec, m.cfg.Dimensions); err != nil {
		return nil, fmt.Errorf("memory: retrieve: %w", err)
	}

	// Over-fetch so threshold filtering and expiry exclusion still leave
	// enough candidates to fill the limit.
	hits, err := m.index.Search(ctx, vec, limit*2)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: search: %w", err)
	}

	now := time.Now().UTC()
	out := make([]types.Scored, 0, len(hits))
	for _, h := range hits {
		if h.Score < threshold {
			continue
		}
		it, err := m.store.Get(ctx, sessionID, h.ID)
		if err != nil {
			// Index and store can drift briefly; an unloadable hit is
			// skipped rather than failing the whole read.
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, rdf.ErrUnavailable) {
				slog.Debug("memory: retrieve: skipping unloadable hit",
					"id", h.ID,
					"error", err,
				)
				continue
			}
			return nil, err
		}
		if it.Kind == types.KindEnhancement && it.Enhancement != nil && it.Enhancement.Expired(now) {
			continue
		}

		cp := *it
		cp.Metadata.LastAccessed = now
		out = append(out, types.Scored{
			Interaction: &cp,
			Score:       h.Score,
			Source:      sourceOf(&cp),
		})
	}

	SortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sourceOf names the branch a record belongs to: the knowledge provider
// for enhancement records, "personal" for everything the user stored.
func sourceOf(it *types.Interaction) string {
	if it.Kind == types.KindEnhancement && it.Enhancement != nil {
		return it.Enhancement.Provider
	}
	return "personal"
}

// SortScored orders candidates by descending score; scores within epsilon
// count as tied and fall back to recency, then ascending ID, so rankings
// stay deterministic.
func SortScored(items []types.Scored) {
	sort.Slice(items, func(i, j int) bool {
		si, sj := items[i].Score, items[j].Score
		if math.Abs(si-sj) > scoreEpsilon {
			return si > sj
		}
		ci, cj := items[i].Interaction.Metadata.Created, items[j].Interaction.Metadata.Created
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return items[i].Interaction.ID < items[j].Interaction.ID
	})
}
