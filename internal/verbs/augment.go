package verbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MrWong99/semem/internal/chunker"
	"github.com/MrWong99/semem/internal/memory"
	"github.com/MrWong99/semem/internal/session"
	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/types"
)

// The augment operations. Record-addressed operations take an
// Interaction ID or "all" as target; text operations analyse the target
// string itself.
const (
	opAuto              = "auto"
	opConcepts          = "concepts"
	opAttributes        = "attributes"
	opRelationships     = "relationships"
	opProcessLazy       = "process_lazy"
	opChunkDocuments    = "chunk_documents"
	opExtractConcepts   = "extract_concepts"
	opGenerateEmbedding = "generate_embedding"
	opAnalyzeText       = "analyze_text"
	opConceptEmbeddings = "concept_embeddings"
)

// augmentArgs is the argument object of the augment verb.
type augmentArgs struct {
	// Target is the text to analyse, an Interaction ID, or "all",
	// depending on the operation. Required.
	Target string `json:"target"`

	// Operation selects what to do. Defaults to auto.
	Operation string `json:"operation,omitempty"`
}

type conceptsResult struct {
	Concepts []string `json:"concepts"`
}

type autoResult struct {
	Concepts           []string `json:"concepts"`
	EmbeddingModel     string   `json:"embeddingModel"`
	EmbeddingDimension int      `json:"embeddingDimension"`
}

type attributesResult struct {
	Attributes map[string]string `json:"attributes"`
}

type analyzeResult struct {
	Concepts   []string          `json:"concepts"`
	Attributes map[string]string `json:"attributes,omitempty"`
	WordCount  int               `json:"wordCount"`
}

type embeddingResult struct {
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

type processedResult struct {
	Processed int `json:"processed"`
}

type chunkPreview struct {
	Index  int    `json:"index"`
	Title  string `json:"title,omitempty"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Text   string `json:"text"`
}

type chunksResult struct {
	Total  int            `json:"total"`
	Chunks []chunkPreview `json:"chunks"`
}

// conceptEdge is one weighted concept relationship.
type conceptEdge struct {
	A      string  `json:"a"`
	B      string  `json:"b"`
	Weight float64 `json:"weight"`
}

type relationshipsResult struct {
	Concepts      []string      `json:"concepts"`
	Relationships []conceptEdge `json:"relationships"`
}

type conceptEmbeddingsResult struct {
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

func (e *Engine) augment(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args augmentArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}
	if strings.TrimSpace(args.Target) == "" {
		return outcome{}, invalidf("target", "required")
	}
	op := args.Operation
	if op == "" {
		op = opAuto
	}

	var (
		result any
		err    error
	)
	switch op {
	case opAuto:
		result, err = e.augmentAuto(ctx, args.Target)
	case opConcepts, opExtractConcepts:
		result, err = e.augmentConcepts(ctx, args.Target)
	case opAttributes:
		result, err = e.augmentAttributes(ctx, args.Target)
	case opRelationships:
		result, err = e.augmentRelationships(ctx, sess.ID(), args.Target)
	case opProcessLazy:
		result, err = e.augmentProcessLazy(ctx, sess.ID(), args.Target)
	case opChunkDocuments:
		result, err = e.augmentChunkDocuments(ctx, sess.ID(), args.Target)
	case opGenerateEmbedding:
		result, err = e.augmentGenerateEmbedding(ctx, args.Target)
	case opAnalyzeText:
		result, err = e.augmentAnalyzeText(ctx, args.Target)
	case opConceptEmbeddings:
		result, err = e.augmentConceptEmbeddings(ctx, args.Target)
	default:
		return outcome{}, invalidf("operation", "unknown operation %q", op)
	}
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: augment %s: %w", op, err)
	}
	return outcome{result: result}, nil
}

func (e *Engine) augmentAuto(ctx context.Context, target string) (any, error) {
	concepts, err := llm.ExtractConcepts(ctx, e.llm, target)
	if err != nil {
		return nil, err
	}
	vec, err := e.embedder.Embed(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := embeddings.ValidateDimension(vec, e.embedder.Dimensions()); err != nil {
		return nil, err
	}
	if concepts == nil {
		concepts = []string{}
	}
	return autoResult{
		Concepts:           concepts,
		EmbeddingModel:     e.embedder.ModelID(),
		EmbeddingDimension: len(vec),
	}, nil
}

func (e *Engine) augmentConcepts(ctx context.Context, target string) (any, error) {
	concepts, err := llm.ExtractConcepts(ctx, e.llm, target)
	if err != nil {
		return nil, err
	}
	if concepts == nil {
		concepts = []string{}
	}
	return conceptsResult{Concepts: concepts}, nil
}

func (e *Engine) augmentAttributes(ctx context.Context, target string) (any, error) {
	attrs, err := llm.ExtractAttributes(ctx, e.llm, target)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	return attributesResult{Attributes: attrs}, nil
}

func (e *Engine) augmentAnalyzeText(ctx context.Context, target string) (any, error) {
	concepts, err := llm.ExtractConcepts(ctx, e.llm, target)
	if err != nil {
		return nil, err
	}
	attrs, err := llm.ExtractAttributes(ctx, e.llm, target)
	if err != nil {
		return nil, err
	}
	if concepts == nil {
		concepts = []string{}
	}
	return analyzeResult{
		Concepts:   concepts,
		Attributes: attrs,
		WordCount:  len(strings.Fields(target)),
	}, nil
}

func (e *Engine) augmentGenerateEmbedding(ctx context.Context, target string) (any, error) {
	vec, err := e.embedder.Embed(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := embeddings.ValidateDimension(vec, e.embedder.Dimensions()); err != nil {
		return nil, err
	}
	return embeddingResult{Model: e.embedder.ModelID(), Dimension: len(vec)}, nil
}

func (e *Engine) augmentProcessLazy(ctx context.Context, sessionID, target string) (any, error) {
	filter := memory.LazyFilter{SessionID: sessionID, Limit: e.cfg.LazyLimit}
	if target != "all" {
		filter.IDs = []string{target}
	}
	n, err := e.memory.ProcessLazy(ctx, filter)
	if err != nil {
		return nil, err
	}
	return processedResult{Processed: n}, nil
}

// augmentChunkDocuments completes deferred processing for stored
// documents, or previews how a raw text target would be split.
func (e *Engine) augmentChunkDocuments(ctx context.Context, sessionID, target string) (any, error) {
	if target == "all" {
		pending, err := e.store.ListPending(ctx, e.cfg.LazyLimit)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, it := range pending {
			if it.Kind == types.KindDocument {
				ids = append(ids, it.ID)
			}
		}
		if len(ids) == 0 {
			return processedResult{}, nil
		}
		n, err := e.memory.ProcessLazy(ctx, memory.LazyFilter{SessionID: sessionID, IDs: ids})
		if err != nil {
			return nil, err
		}
		return processedResult{Processed: n}, nil
	}

	it, err := e.store.Get(ctx, sessionID, target)
	switch {
	case err == nil:
		if it.Kind != types.KindDocument {
			return nil, invalidf("target", "record %q is %s, not a document", target, it.Kind)
		}
		n, err := e.memory.ProcessLazy(ctx, memory.LazyFilter{SessionID: sessionID, IDs: []string{target}})
		if err != nil {
			return nil, err
		}
		return processedResult{Processed: n}, nil
	case errors.Is(err, store.ErrNotFound):
		// Raw text: show how it would be split, without storing.
		return previewChunks(target), nil
	default:
		return nil, err
	}
}

func previewChunks(text string) chunksResult {
	pieces := chunker.Split(text, "", chunker.Options{})
	out := chunksResult{
		Total:  len(pieces),
		Chunks: make([]chunkPreview, 0, len(pieces)),
	}
	for _, p := range pieces {
		out.Chunks = append(out.Chunks, chunkPreview{
			Index:  p.Index,
			Title:  p.Title,
			Offset: p.Offset,
			Length: p.Length,
			Text:   p.Text,
		})
	}
	return out
}

// augmentRelationships reports the concept-graph edges among and around
// the target's concepts. A stored record contributes its extracted
// concepts; any other target is analysed as text.
func (e *Engine) augmentRelationships(ctx context.Context, sessionID, target string) (any, error) {
	concepts, err := e.conceptsFor(ctx, sessionID, target)
	if err != nil {
		return nil, err
	}
	if len(concepts) == 0 {
		return relationshipsResult{Concepts: []string{}, Relationships: []conceptEdge{}}, nil
	}

	seen := make(map[[2]string]bool)
	var edges []conceptEdge
	add := func(a, b string, w float64) {
		if w <= 0 {
			return
		}
		if a > b {
			a, b = b, a
		}
		key := [2]string{a, b}
		if seen[key] {
			return
		}
		seen[key] = true
		edges = append(edges, conceptEdge{A: a, B: b, Weight: w})
	}

	for i := 0; i < len(concepts); i++ {
		for j := i + 1; j < len(concepts); j++ {
			add(concepts[i], concepts[j], e.graph.Weight(concepts[i], concepts[j]))
		}
	}
	for _, label := range concepts {
		for _, edge := range e.graph.Neighbors(label) {
			add(edge.A, edge.B, edge.Weight)
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Weight != edges[j].Weight {
			return edges[i].Weight > edges[j].Weight
		}
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
	if len(edges) > maxRelationshipEdges {
		edges = edges[:maxRelationshipEdges]
	}
	if edges == nil {
		edges = []conceptEdge{}
	}
	return relationshipsResult{Concepts: concepts, Relationships: edges}, nil
}

// maxRelationshipEdges caps one relationships report.
const maxRelationshipEdges = 32

// augmentConceptEmbeddings backfills embeddings for concept nodes.
// Target "all" sweeps every concept known to the store; any other
// target is analysed as text and its concepts are embedded.
func (e *Engine) augmentConceptEmbeddings(ctx context.Context, target string) (any, error) {
	var labels []string
	if target == "all" {
		byRecord, err := e.store.AllConcepts(ctx)
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		for _, cs := range byRecord {
			for _, c := range cs {
				set[c] = true
			}
		}
		labels = make([]string, 0, len(set))
		for c := range set {
			labels = append(labels, c)
		}
		sort.Strings(labels)
	} else {
		var err error
		labels, err = llm.ExtractConcepts(ctx, e.llm, target)
		if err != nil {
			return nil, err
		}
	}
	if len(labels) > e.cfg.ConceptBatch {
		labels = labels[:e.cfg.ConceptBatch]
	}

	var missing []string
	skipped := 0
	for _, label := range labels {
		if n, ok := e.graph.Node(label); ok && n.Embedding != nil {
			skipped++
			continue
		}
		missing = append(missing, label)
	}
	if len(missing) == 0 {
		return conceptEmbeddingsResult{Skipped: skipped}, nil
	}

	vecs, err := e.embedder.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	dims := e.embedder.Dimensions()
	for i, vec := range vecs {
		if err := embeddings.ValidateDimension(vec, dims); err != nil {
			return nil, fmt.Errorf("concept %q: %w", missing[i], err)
		}
		e.graph.SetEmbedding(missing[i], vec)
	}
	return conceptEmbeddingsResult{Updated: len(missing), Skipped: skipped}, nil
}

// conceptsFor resolves the concepts of a target: a loadable record's
// stored concepts, otherwise a fresh extraction over the target text.
func (e *Engine) conceptsFor(ctx context.Context, sessionID, target string) ([]string, error) {
	if it, err := e.store.Get(ctx, sessionID, target); err == nil {
		return append([]string(nil), it.Concepts...), nil
	}
	return llm.ExtractConcepts(ctx, e.llm, target)
}
