package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/semem/internal/chunker"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/types"
)

// StoreRequest describes one record to ingest.
type StoreRequest struct {
	// SessionID scopes the write buffer and read-your-writes visibility.
	SessionID string

	// Kind must be interaction, concept, or document. Chunks are derived
	// internally and enhancements go through the enhancement coordinator.
	Kind types.Kind

	// Content is the text to store. Required.
	Content string

	// Response is the paired output for prompt/response exchanges.
	Response string

	// Metadata carries caller-supplied provenance and retrieval hints.
	Metadata types.Metadata

	// Lazy persists the raw content only, deferring embedding and concept
	// extraction to a ProcessLazy pass.
	Lazy bool
}

// Stats reports what one Store call did.
type Stats struct {
	// Stored is true when a new or updated version was written.
	Stored bool

	// Deduplicated is true when an identical record already existed and
	// nothing was written.
	Deduplicated bool

	// Lazy is true when the record awaits a ProcessLazy pass.
	Lazy bool

	// Chunks is the number of pieces that were embedded: 1 for unsplit
	// content, the chunk count for split documents, 0 when nothing was
	// processed.
	Chunks int

	// Concepts is the number of distinct concept labels extracted.
	Concepts int
}

// Store ingests one record. Content is persisted before any provider is
// consulted; embedding or concept-extraction failures downgrade the record
// to pending instead of failing the call. Only invalid input, storage
// rejection, and embedding-dimension mismatches are reported as errors.
//
// Storing content identical to an existing record is a no-op that returns
// the existing record, unless that record is still pending and this call is
// eager — then the pending work is completed in place.
func (m *Manager) Store(ctx context.Context, req StoreRequest) (*types.Interaction, Stats, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, Stats{}, errors.New("memory: store: empty content")
	}
	switch req.Kind {
	case types.KindInteraction, types.KindConcept, types.KindDocument:
	default:
		return nil, Stats{}, fmt.Errorf("memory: store: kind %q cannot be stored directly", req.Kind)
	}

	id := types.NewID(req.Kind, contentKey(req.Content, req.Response))

	// Re-telling identical content is idempotent. The lookup is
	// best-effort: when the endpoint is unreachable the write proceeds,
	// because flushing the same subject twice is harmless.
	if existing, err := m.store.Get(ctx, req.SessionID, id); err == nil {
		if existing.Kind != req.Kind || existing.Prompt != req.Content || existing.Response != req.Response {
			return nil, Stats{}, fmt.Errorf("memory: store %s: stored content differs: %w", id, ErrConflict)
		}
		if !existing.Metadata.PendingProcessing || req.Lazy {
			cp := *existing
			return &cp, Stats{
				Deduplicated: true,
				Lazy:         existing.Metadata.PendingProcessing,
				Concepts:     len(existing.Concepts),
			}, nil
		}
		// Pending record, eager call: finish the deferred processing.
		return m.completePending(ctx, req.SessionID, existing)
	}

	now := time.Now().UTC()
	it := &types.Interaction{
		ID:       id,
		Kind:     req.Kind,
		Prompt:   req.Content,
		Response: req.Response,
		Metadata: req.Metadata,
	}
	it.Metadata.Created = now
	it.Metadata.LastAccessed = now
	it.Metadata.PendingProcessing = true

	// Durability first: the raw record is in the write buffer before any
	// provider call can fail or stall.
	if err := m.store.Put(req.SessionID, it); err != nil {
		return nil, Stats{}, err
	}
	if req.Lazy {
		return it, Stats{Stored: true, Lazy: true}, nil
	}
	return m.completePending(ctx, req.SessionID, it)
}

// completePending runs the processing pipeline for a persisted pending
// record, downgrading provider failures to a lazy outcome.
func (m *Manager) completePending(ctx context.Context, sessionID string, it *types.Interaction) (*types.Interaction, Stats, error) {
	processed, stats, err := m.process(ctx, sessionID, it)
	if err != nil {
		var dimErr *embeddings.DimensionError
		if errors.As(err, &dimErr) {
			// Misconfiguration, not an outage: fail the operation. The raw
			// record stays durable and pending.
			return nil, Stats{}, err
		}
		slog.Warn("memory: processing deferred to a lazy pass",
			"id", it.ID,
			"error", err,
		)
		return it, Stats{Stored: true, Lazy: true}, nil
	}
	return processed, stats, nil
}

// process embeds, extracts concepts, and writes the fully processed record
// (plus chunk children for split documents) to the store, index, and graph.
// It never mutates it; the processed version is a fresh copy. No index or
// graph update happens before every vector has validated and every record
// version is in the write buffer.
func (m *Manager) process(ctx context.Context, sessionID string, it *types.Interaction) (*types.Interaction, Stats, error) {
	pieces := chunker.Split(it.Prompt, it.Metadata.Title, m.cfg.Chunk)
	split := len(pieces) > 1

	texts := make([]string, len(pieces))
	if split {
		for i, p := range pieces {
			texts[i] = p.Text
		}
	} else {
		texts[0] = combinedText(it.Prompt, it.Response)
	}

	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("memory: embed %s: %w", it.ID, err)
	}
	if len(vecs) != len(texts) {
		return nil, Stats{}, fmt.Errorf("memory: embed %s: got %d vectors for %d texts", it.ID, len(vecs), len(texts))
	}
	for _, vec := range vecs {
		if err := embeddings.ValidateDimension(vec, m.cfg.Dimensions); err != nil {
			return nil, Stats{}, fmt.Errorf("memory: embed %s: %w", it.ID, err)
		}
	}

	concepts, err := llm.ExtractConcepts(ctx, m.llm, conceptInput(it))
	if err != nil {
		return nil, Stats{}, fmt.Errorf("memory: concepts for %s: %w", it.ID, err)
	}

	processed := *it
	processed.Concepts = concepts
	processed.Metadata.PendingProcessing = false
	if !split {
		processed.Embedding = vecs[0]
	}

	children := make([]*types.Interaction, 0, len(pieces))
	if split {
		for i, p := range pieces {
			children = append(children, chunkRecord(&processed, p, vecs[i]))
		}
	}

	// Store writes first so every index entry always has a durable record
	// behind it.
	if err := m.store.Put(sessionID, &processed); err != nil {
		return nil, Stats{}, err
	}
	for _, child := range children {
		if err := m.store.Put(sessionID, child); err != nil {
			return nil, Stats{}, err
		}
	}

	// A failed index write only delays searchability: the index is rebuilt
	// from the store at startup.
	if split {
		for _, child := range children {
			if err := m.index.Add(ctx, child.ID, child.Embedding); err != nil {
				slog.Warn("memory: index update failed", "id", child.ID, "error", err)
			}
		}
	} else {
		if err := m.index.Add(ctx, processed.ID, processed.Embedding); err != nil {
			slog.Warn("memory: index update failed", "id", processed.ID, "error", err)
		}
	}
	m.graph.Observe(concepts)

	return &processed, Stats{
		Stored:   true,
		Chunks:   len(pieces),
		Concepts: len(concepts),
	}, nil
}

// chunkRecord builds the child record for one document piece.
func chunkRecord(parent *types.Interaction, p chunker.Chunk, vec []float32) *types.Interaction {
	key := parent.ID + "\x00" + strconv.Itoa(p.Index) + "\x00" + p.Text
	return &types.Interaction{
		ID:        types.NewID(types.KindChunk, key),
		Kind:      types.KindChunk,
		Prompt:    p.Text,
		Embedding: vec,
		Metadata: types.Metadata{
			Type:         parent.Metadata.Type,
			Title:        p.Title,
			Domain:       parent.Metadata.Domain,
			Tags:         append([]string(nil), parent.Metadata.Tags...),
			Source:       parent.Metadata.Source,
			Created:      parent.Metadata.Created,
			LastAccessed: parent.Metadata.LastAccessed,
		},
		Chunk: &types.ChunkInfo{
			ParentID: parent.ID,
			Index:    p.Index,
			Total:    p.Total,
			Title:    p.Title,
			Offset:   p.Offset,
			Length:   p.Length,
		},
	}
}

// contentKey is the identity text a record's ID derives from: the content
// plus, for prompt/response exchanges, the response behind an unambiguous
// separator.
func contentKey(content, response string) string {
	if response == "" {
		return content
	}
	return content + "\x00" + response
}

// combinedText joins content and response for embedding and extraction.
func combinedText(content, response string) string {
	if response == "" {
		return content
	}
	return content + "\n\n" + response
}

// conceptInput is the text handed to concept extraction: content and
// response together, capped so large documents stay within model limits.
func conceptInput(it *types.Interaction) string {
	text := combinedText(it.Prompt, it.Response)
	if len(text) <= conceptInputCap {
		return text
	}
	cut := conceptInputCap
	for cut > 0 && text[cut]&0xC0 == 0x80 { // back off to a rune start
		cut--
	}
	return text[:cut]
}
