package retrieval

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/semem/internal/enhancement"
	"github.com/MrWong99/semem/internal/zpt"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/types"
)

// candidate accumulates one record's per-signal scores across rounds.
// Rounds merge by keeping each signal's maximum.
type candidate struct {
	it *types.Interaction

	// cosine is the similarity to the question embedding, clamped to
	// [0, 1]. Zero for records without an embedding.
	cosine float64

	// activation is the normalized concept-walk overlap.
	activation float64

	// zptScore is the navigation alignment from [zpt.MatchScore].
	zptScore float64

	// source labels where the record came from: "personal" or an
	// enhancement provider name.
	source string

	// weight is the merged score, filled during the merge step.
	weight float64
}

// plan is the per-ask view of the navigation state: the hard filters
// and budgets every round shares.
type plan struct {
	state     types.NavigationState
	faded     map[string]struct{}
	sessionID string
	k         int
	threshold float64
}

func newPlan(state types.NavigationState, opts Options, cfg Config) *plan {
	p := &plan{
		state:     state,
		faded:     make(map[string]struct{}, len(state.FadeOut)),
		sessionID: opts.SessionID,
		k:         cfg.localK(opts.Mode),
		threshold: state.RelevanceThreshold,
	}
	for _, id := range state.FadeOut {
		p.faded[id] = struct{}{}
	}
	return p
}

// admits applies the hard candidate filters: faded records and pan
// predicates. Zoom stays a soft signal through the zpt match score.
func (p *plan) admits(it *types.Interaction) bool {
	if _, gone := p.faded[it.ID]; gone {
		return false
	}
	return zpt.PanMatches(it, p.state.Pan)
}

// localBranch gathers personal candidates: a vector round over the
// index, then a concept-walk round over the graph. A soft deadline on
// ctx returns whatever was gathered so far.
func (r *Retriever) localBranch(ctx context.Context, qvec []float32, question string, p *plan) map[string]*candidate {
	out := make(map[string]*candidate)

	r.vectorRound(ctx, qvec, qvec, p, out)
	if ctx.Err() != nil {
		return out
	}

	// Concept extraction failing only costs the graph round.
	seeds, err := llm.ExtractConcepts(ctx, r.llm, question)
	if err != nil {
		slog.Debug("retrieval: question concepts unavailable", "error", err)
		return out
	}
	if len(seeds) > 0 {
		r.activationRound(ctx, seeds, qvec, p, out)
	}
	return out
}

// vectorRound searches the index with searchVec and folds the loaded,
// admitted hits into out. Scores are always taken against qvec so a
// hypothetical-expansion round stays comparable with the first round.
func (r *Retriever) vectorRound(ctx context.Context, searchVec, qvec []float32, p *plan, out map[string]*candidate) {
	hits, err := r.index.Search(ctx, searchVec, p.k*2)
	if err != nil {
		slog.Warn("retrieval: index search failed", "error", err)
		return
	}

	now := time.Now().UTC()
	kept := 0
	for _, h := range hits {
		if kept >= p.k {
			break
		}
		it := r.load(ctx, p.sessionID, h.ID, now)
		if it == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if !p.admits(it) {
			continue
		}

		// The relevance threshold gates on similarity to the vector that
		// found the record, so an expansion round can surface records the
		// raw question misses. Weighting still scores against the question.
		if clamp01(h.Score) < p.threshold {
			continue
		}
		cos := clamp01(h.Score)
		if !sameVector(searchVec, qvec) {
			cos = cosineTo(qvec, it.Embedding)
		}
		foldCandidate(out, it, cos, 0, p.state)
		kept++
	}
}

// activationRound spreads activation from the question's concepts and
// folds records sharing the activated concepts into out. At community
// zoom the seed set widens to each seed's whole graph community.
func (r *Retriever) activationRound(ctx context.Context, seeds []string, qvec []float32, p *plan, out map[string]*candidate) {
	if p.state.Zoom == types.ZoomCommunity {
		seeds = r.widenToCommunities(seeds)
	}

	acts := r.graph.SpreadActivation(seeds, r.cfg.ActivationHops, r.cfg.ActivationDecay)
	if len(acts) == 0 {
		return
	}
	byConcept := make(map[string]float64, len(acts))
	var total float64
	for _, a := range acts {
		byConcept[a.Concept] = a.Activation
		total += a.Activation
	}

	top := make([]string, 0, min(len(acts), seedLimit))
	for _, a := range acts[:min(len(acts), seedLimit)] {
		top = append(top, a.Concept)
	}

	// Concept lookups read flushed state; records still in the session
	// buffer are covered by the vector round.
	recs, err := r.store.FindByConcepts(ctx, top, conceptFetchLimit)
	if err != nil {
		slog.Debug("retrieval: concept lookup failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, it := range recs {
		if ctx.Err() != nil {
			return
		}
		if it == nil || !p.admits(it) {
			continue
		}
		if it.Kind == types.KindEnhancement && it.Enhancement != nil && it.Enhancement.Expired(now) {
			continue
		}

		var overlap float64
		for _, c := range it.Concepts {
			overlap += byConcept[c]
		}
		overlap /= total
		if overlap <= r.cfg.ConceptOverlap {
			continue
		}
		foldCandidate(out, it, cosineTo(qvec, it.Embedding), overlap, p.state)
	}
}

// widenToCommunities replaces each seed with its whole graph community.
func (r *Retriever) widenToCommunities(seeds []string) []string {
	seen := make(map[string]struct{}, len(seeds))
	var out []string
	add := func(label string) {
		if _, ok := seen[label]; ok {
			return
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	for _, s := range seeds {
		add(s)
		for _, member := range r.graph.CommunityOf(s) {
			add(member)
		}
	}
	return out
}

// load fetches a record for ranking. Unloadable hits (stale index
// entries, degraded store) and expired enhancement records yield nil.
func (r *Retriever) load(ctx context.Context, sessionID, id string, now time.Time) *types.Interaction {
	it, err := r.store.Get(ctx, sessionID, id)
	if err != nil {
		slog.Debug("retrieval: skipping unloadable candidate", "id", id, "error", err)
		return nil
	}
	if it.Kind == types.KindEnhancement && it.Enhancement != nil && it.Enhancement.Expired(now) {
		return nil
	}
	return it
}

// addExternal folds the enhancement branch's records into the candidate
// set. Hypothetical expansion never surfaces as a candidate; fade-outs
// apply to external records too.
func (r *Retriever) addExternal(res *enhancement.Result, qvec []float32, p *plan, out map[string]*candidate) {
	if res == nil {
		return
	}
	now := time.Now().UTC()
	for _, o := range res.Outcomes {
		if o.Provider == "hyde" {
			continue
		}
		for i := range o.Records {
			it := &o.Records[i]
			if _, gone := p.faded[it.ID]; gone {
				continue
			}
			if it.Enhancement != nil && it.Enhancement.Expired(now) {
				continue
			}
			foldCandidate(out, it, cosineTo(qvec, it.Embedding), 0, p.state)
		}
	}
}

// foldCandidate merges one sighting of a record into the candidate set,
// keeping each signal's maximum across rounds.
func foldCandidate(out map[string]*candidate, it *types.Interaction, cosine, activation float64, state types.NavigationState) {
	c, ok := out[it.ID]
	if !ok {
		out[it.ID] = &candidate{
			it:         it,
			cosine:     cosine,
			activation: activation,
			zptScore:   zpt.MatchScore(it, state),
			source:     sourceOf(it),
		}
		return
	}
	c.cosine = max(c.cosine, cosine)
	c.activation = max(c.activation, activation)
}

// sourceOf labels where a record came from.
func sourceOf(it *types.Interaction) string {
	if it.Kind == types.KindEnhancement && it.Enhancement != nil && it.Enhancement.Provider != "" {
		return it.Enhancement.Provider
	}
	return "personal"
}

// hydeRecords returns the hypothetical-expansion records, if any.
func hydeRecords(res *enhancement.Result) []types.Interaction {
	if res == nil {
		return nil
	}
	for _, o := range res.Outcomes {
		if o.Provider == "hyde" {
			return o.Records
		}
	}
	return nil
}

// committable returns the fresh records worth persisting. Hypothetical
// expansion is retrieval-only and never reaches the store.
func committable(res *enhancement.Result) []types.Interaction {
	if res == nil {
		return nil
	}
	var out []types.Interaction
	for _, o := range res.Outcomes {
		if o.CacheHit || o.Provider == "hyde" {
			continue
		}
		out = append(out, o.Records...)
	}
	return out
}

// linkRecords attaches the top personal context items to each fresh
// enhancement record.
func linkRecords(fresh []types.Interaction, items []types.Scored) {
	var linked []string
	for _, s := range items {
		if s.Source != "personal" {
			continue
		}
		linked = append(linked, s.Interaction.ID)
		if len(linked) == maxLinkedIDs {
			break
		}
	}
	if len(linked) == 0 {
		return
	}
	for i := range fresh {
		if fresh[i].Enhancement == nil {
			continue
		}
		fresh[i].Enhancement.LinkedIDs = append([]string(nil), linked...)
	}
}

// augmentQuery shifts the query embedding toward the hypothetical
// answers by averaging. Nil when there is nothing to average with.
func augmentQuery(qvec []float32, hyde []types.Interaction) []float32 {
	vecs := make([][]float32, 0, len(hyde)+1)
	for i := range hyde {
		if len(hyde[i].Embedding) == len(qvec) {
			vecs = append(vecs, hyde[i].Embedding)
		}
	}
	if len(vecs) == 0 {
		return nil
	}
	vecs = append(vecs, qvec)

	out := make([]float32, len(qvec))
	for _, v := range vecs {
		for i, x := range v {
			out[i] += x
		}
	}
	n := float32(len(vecs))
	for i := range out {
		out[i] /= n
	}
	return out
}

// cosineTo scores a record embedding against the query embedding,
// clamped to [0, 1]. Records without an embedding score zero.
func cosineTo(qvec, vec []float32) float64 {
	if len(vec) != len(qvec) {
		return 0
	}
	cos, err := embeddings.CosineSimilarity(qvec, vec)
	if err != nil {
		return 0
	}
	return clamp01(cos)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sameVector(a, b []float32) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}
