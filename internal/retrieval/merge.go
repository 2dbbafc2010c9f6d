package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/types"
)

// merge weighs every candidate for the question's class, collapses
// near-duplicate content onto the higher-weight item, and returns the
// top kFinal as scored context items. The (weight desc, id asc) order
// restores determinism over the enhancement branch's arrival order.
func (r *Retriever) merge(cands map[string]*candidate, question string, tilt types.TiltStyle, now time.Time, kFinal int) []types.Scored {
	if len(cands) == 0 {
		return nil
	}
	w := r.cfg.Weights.forQuestion(question)
	terms := queryTerms(question)

	list := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		list = append(list, c)
	}
	for _, c := range list {
		c.weight = w.Personal*signalScore(c, tilt, terms, now) +
			w.Authority*authorityScore(c.source) +
			w.Recency*recencyScore(c.it.Metadata.Created, now) +
			w.ZPT*c.zptScore
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].weight != list[j].weight {
			return list[i].weight > list[j].weight
		}
		return list[i].it.ID < list[j].it.ID
	})

	out := make([]types.Scored, 0, min(len(list), kFinal))
	kept := make([]*candidate, 0, kFinal)
	for _, c := range list {
		if len(out) >= kFinal {
			break
		}
		if nearDuplicate(c, kept, r.cfg.NearDuplicate) {
			continue
		}
		kept = append(kept, c)
		out = append(out, types.Scored{
			Interaction: c.it,
			Score:       c.weight,
			Source:      c.source,
		})
	}
	return out
}

// nearDuplicate reports whether c's content is effectively the same as
// an already kept candidate's. kept is ordered by descending weight, so
// dropping c always keeps the higher-weight copy.
func nearDuplicate(c *candidate, kept []*candidate, threshold float64) bool {
	if len(c.it.Embedding) == 0 {
		return false
	}
	for _, k := range kept {
		if len(k.it.Embedding) != len(c.it.Embedding) {
			continue
		}
		cos, err := embeddings.CosineSimilarity(c.it.Embedding, k.it.Embedding)
		if err == nil && cos >= threshold {
			return true
		}
	}
	return false
}

// sourcesOf collects the distinct source labels of the context items,
// sorted.
func sourcesOf(items []types.Scored) []string {
	seen := make(map[string]struct{}, 2)
	var out []string
	for _, s := range items {
		if _, ok := seen[s.Source]; ok {
			continue
		}
		seen[s.Source] = struct{}{}
		out = append(out, s.Source)
	}
	sort.Strings(out)
	return out
}

// synthesisPrompt steers the answer toward the provided context and
// keeps personal and external material attributed distinctly.
const synthesisPrompt = `You answer questions grounded in the numbered context items.
Items labeled (personal memory) are the user's own stored history; treat them as first-hand facts about the user.
Items labeled with a knowledge source such as (wikipedia) or (wikidata) are external references; name the source when you rely on one.
If the context does not answer the question, say so plainly instead of guessing.`

// snippetLimit bounds how much of a record feeds the synthesis prompt.
const snippetLimit = 600

// synthesize asks the LLM for the final answer over the merged context.
func (r *Retriever) synthesize(ctx context.Context, question string, items []types.Scored) (string, error) {
	blocks := make([]string, len(items))
	for i, s := range items {
		label := s.Source
		if label == "personal" {
			label = "personal memory"
		}
		blocks[i] = fmt.Sprintf("(%s) %s", label, snippet(s.Interaction))
	}
	answer, err := llm.Chat(ctx, r.llm, question, blocks, llm.ChatOptions{
		SystemPrompt: synthesisPrompt,
		MaxTokens:    synthesisMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	return answer, nil
}

// snippet renders a record for the synthesis prompt, truncated on a
// rune boundary.
func snippet(it *types.Interaction) string {
	text := it.Prompt
	if it.Response != "" {
		if text != "" {
			text += ": "
		}
		text += it.Response
	}
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= snippetLimit {
		return text
	}
	return strings.TrimSpace(string(runes[:snippetLimit])) + "…"
}
