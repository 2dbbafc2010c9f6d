package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/MrWong99/semem/pkg/rdf"
	"github.com/MrWong99/semem/pkg/types"
)

// The multi-record reads below reflect flushed state only. Callers that
// need their own writes visible flush the session first.

// ListPending returns records still awaiting embedding and concept
// extraction, in ID order. limit <= 0 means no limit.
func (b *Buffered) ListPending(ctx context.Context, limit int) ([]*types.Interaction, error) {
	return b.selectRecords(ctx, "list_pending.rq", predicateData{
		Graph: b.schema.InteractionGraph,
		Pred:  b.schema.pred(predPending),
		Limit: limit,
	})
}

// FindByConcepts returns records tagged with any of the given concept
// labels, in ID order. limit <= 0 means no limit.
func (b *Buffered) FindByConcepts(ctx context.Context, concepts []string, limit int) ([]*types.Interaction, error) {
	if len(concepts) == 0 {
		return nil, nil
	}
	return b.selectRecords(ctx, "find_by_concepts.rq", conceptsData{
		Graph:    b.schema.InteractionGraph,
		Pred:     b.schema.pred(predConcept),
		Concepts: concepts,
		Limit:    limit,
	})
}

// ListRecent returns the most recently created records, newest first.
func (b *Buffered) ListRecent(ctx context.Context, limit int) ([]*types.Interaction, error) {
	records, err := b.selectRecords(ctx, "recent_interactions.rq", predicateData{
		Graph: b.schema.InteractionGraph,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		ci, cj := records[i].Metadata.Created, records[j].Metadata.Created
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Embedded pairs a record ID with its stored embedding, for rebuilding
// the vector index at startup.
type Embedded struct {
	ID     string
	Vector []float32
}

// AllEmbeddings streams every stored (ID, embedding) pair in ID order.
func (b *Buffered) AllEmbeddings(ctx context.Context) ([]Embedded, error) {
	q, err := b.render("list_embeddings.rq", predicateData{
		Graph: b.schema.InteractionGraph,
		Pred:  b.schema.pred(predEmbedding),
	})
	if err != nil {
		return nil, err
	}
	rows, err := b.selectRows(ctx, q, "list embeddings")
	if err != nil {
		return nil, err
	}
	out := make([]Embedded, 0, len(rows))
	for _, row := range rows {
		subj := row["s"].Value
		if subj == "" {
			continue
		}
		vec, err := decodeVector(row["embedding"].Value)
		if err != nil {
			return nil, fmt.Errorf("store: embedding of %s: %w", b.schema.subjectID(subj), err)
		}
		out = append(out, Embedded{ID: b.schema.subjectID(subj), Vector: vec})
	}
	return out, nil
}

// AllConcepts returns every stored record's concept labels, for rebuilding
// the concept graph at startup. Labels per record are sorted.
func (b *Buffered) AllConcepts(ctx context.Context) (map[string][]string, error) {
	q, err := b.render("list_concepts.rq", predicateData{
		Graph: b.schema.InteractionGraph,
		Pred:  b.schema.pred(predConcept),
	})
	if err != nil {
		return nil, err
	}
	rows, err := b.selectRows(ctx, q, "list concepts")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(rows))
	for _, row := range rows {
		subj, concept := row["s"].Value, row["concept"].Value
		if subj == "" || concept == "" {
			continue
		}
		id := b.schema.subjectID(subj)
		out[id] = append(out[id], concept)
	}
	for _, labels := range out {
		sort.Strings(labels)
	}
	return out, nil
}

// CountByKind returns the number of stored records per kind.
func (b *Buffered) CountByKind(ctx context.Context) (map[types.Kind]int, error) {
	q, err := b.render("count_by_kind.rq", graphData{Graph: b.schema.InteractionGraph})
	if err != nil {
		return nil, err
	}
	rows, err := b.selectRows(ctx, q, "count by kind")
	if err != nil {
		return nil, err
	}
	out := make(map[types.Kind]int, len(rows))
	for _, row := range rows {
		kind := b.schema.kindFromIRI(row["kind"].Value)
		n, err := strconv.Atoi(row["n"].Value)
		if err != nil {
			return nil, fmt.Errorf("store: count for kind %q: %w", kind, err)
		}
		out[kind] = n
	}
	return out, nil
}

// LoadState returns the session's persisted navigation state. The
// session's own unflushed save is visible immediately. Returns
// [ErrNotFound] when the session has never saved state.
func (b *Buffered) LoadState(ctx context.Context, sessionID string) (types.NavigationState, error) {
	b.mu.Lock()
	if sb, ok := b.sessions[sessionID]; ok && sb.state != nil {
		st := sb.state.Clone()
		b.mu.Unlock()
		return st, nil
	}
	degraded := b.degraded
	b.mu.Unlock()

	if degraded {
		return types.NavigationState{}, fmt.Errorf("store: load state for %s: %w", sessionID, rdf.ErrUnavailable)
	}

	q, err := b.render("load_state.rq", stateData{
		Graph:   b.schema.NavigationGraph,
		Subject: b.schema.sessionIRI(sessionID),
		Pred:    b.schema.pred(predNavState),
	})
	if err != nil {
		return types.NavigationState{}, err
	}
	rows, err := b.selectRows(ctx, q, "load state")
	if err != nil {
		return types.NavigationState{}, err
	}
	if len(rows) == 0 {
		return types.NavigationState{}, fmt.Errorf("store: load state for %s: %w", sessionID, ErrNotFound)
	}
	var st types.NavigationState
	if err := json.Unmarshal([]byte(rows[0]["state"].Value), &st); err != nil {
		return types.NavigationState{}, fmt.Errorf("store: malformed state for %s: %w", sessionID, err)
	}
	return st, nil
}

// selectRecords runs a multi-subject ?s/?p/?o query and rebuilds the
// matched records, caching each one.
func (b *Buffered) selectRecords(ctx context.Context, templateName string, data any) ([]*types.Interaction, error) {
	q, err := b.render(templateName, data)
	if err != nil {
		return nil, err
	}
	rows, err := b.selectRows(ctx, q, templateName)
	if err != nil {
		return nil, err
	}
	subjects, grouped := groupBySubject(rows)
	out := make([]*types.Interaction, 0, len(subjects))
	for _, subj := range subjects {
		id := b.schema.subjectID(subj)
		it, err := b.schema.interactionFromBindings(id, grouped[subj])
		if err != nil {
			return nil, err
		}
		b.cache.put(id, it)
		out = append(out, it)
	}
	return out, nil
}

func (b *Buffered) selectRows(ctx context.Context, query, op string) ([]rdf.Binding, error) {
	if b.isDegraded() {
		return nil, fmt.Errorf("store: %s: %w", op, rdf.ErrUnavailable)
	}
	rows, err := b.backend.Select(ctx, query)
	if err != nil {
		if errors.Is(err, rdf.ErrUnavailable) {
			b.noteUnavailable(err)
		}
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return rows, nil
}

func (b *Buffered) renderSaveState(sessionID string, st types.NavigationState) (string, error) {
	enc, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("store: encode state for %s: %w", sessionID, err)
	}
	return b.render("save_state.rq", stateData{
		Graph:   b.schema.NavigationGraph,
		Subject: b.schema.sessionIRI(sessionID),
		Pred:    b.schema.pred(predNavState),
		State:   typedObject(string(enc), b.schema.pred(datatypeJSON)),
	})
}
