// Package memory implements the ingest and local-read pipeline: chunking,
// embedding, concept extraction, and the bookkeeping that keeps the vector
// index, the concept graph, and the persistent store consistent with each
// other.
//
// Ingest is durability-first: content is persisted raw before any provider
// is consulted, and provider failures downgrade the record to a pending
// state instead of failing the operation. A later ProcessLazy pass finishes
// what the providers could not.
package memory

import (
	"errors"
	"fmt"

	"github.com/MrWong99/semem/internal/chunker"
	"github.com/MrWong99/semem/internal/graph"
	"github.com/MrWong99/semem/internal/index"
	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/provider/llm"
)

const (
	// DefaultRetrieveLimit is the result cap when the caller passes none.
	DefaultRetrieveLimit = 10

	// DefaultLazyBatch is how many pending records one ProcessLazy batch
	// handles.
	DefaultLazyBatch = 32

	// DefaultProcessWorkers bounds the concurrent provider fan-out while
	// a batch is processed.
	DefaultProcessWorkers = 4

	// scoreEpsilon is the score distance below which two retrieval
	// candidates count as tied and recency decides.
	scoreEpsilon = 1e-6

	// conceptInputCap bounds the text handed to concept extraction so a
	// large document never blows the model's context window.
	conceptInputCap = 8192
)

// ErrConflict reports an ID collision with different content. With
// hash-derived IDs this indicates a corrupted record or a schema version
// mismatch, never normal operation.
var ErrConflict = errors.New("memory: id conflict")

// Config tunes a [Manager]. Zero values select the package defaults.
type Config struct {
	// Chunk configures document splitting.
	Chunk chunker.Options

	// Dimensions is the embedding dimension every vector must match.
	// Zero adopts the embedder's own dimension.
	Dimensions int

	// LazyBatch is the ProcessLazy batch size.
	LazyBatch int

	// ProcessWorkers bounds concurrent record processing within a batch.
	ProcessWorkers int
}

func (c Config) withDefaults(embedder embeddings.Provider) Config {
	if c.Dimensions <= 0 {
		c.Dimensions = embedder.Dimensions()
	}
	if c.LazyBatch <= 0 {
		c.LazyBatch = DefaultLazyBatch
	}
	if c.ProcessWorkers <= 0 {
		c.ProcessWorkers = DefaultProcessWorkers
	}
	return c
}

// Manager owns the ingest pipeline and the pure local read path.
//
// All methods are safe for concurrent use.
type Manager struct {
	store    *store.Buffered
	index    index.Index
	graph    *graph.Graph
	embedder embeddings.Provider
	llm      llm.Provider
	cfg      Config
}

// New creates a memory manager over the given storage and provider layers.
func New(st *store.Buffered, idx index.Index, g *graph.Graph, embedder embeddings.Provider, llmp llm.Provider, cfg Config) (*Manager, error) {
	if st == nil {
		return nil, errors.New("memory: store must not be nil")
	}
	if idx == nil {
		return nil, errors.New("memory: index must not be nil")
	}
	if g == nil {
		return nil, errors.New("memory: graph must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("memory: embedder must not be nil")
	}
	if llmp == nil {
		return nil, errors.New("memory: llm provider must not be nil")
	}
	cfg = cfg.withDefaults(embedder)
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("memory: embedder reports dimension %d", cfg.Dimensions)
	}
	return &Manager{
		store:    st,
		index:    idx,
		graph:    g,
		embedder: embedder,
		llm:      llmp,
		cfg:      cfg,
	}, nil
}

// Dimensions returns the embedding dimension the manager enforces.
func (m *Manager) Dimensions() int {
	return m.cfg.Dimensions
}
