// Package index defines the vector index contract and its in-memory
// implementation.
//
// The index holds (id, embedding) pairs and answers nearest-neighbour
// queries by cosine similarity. It is a rebuildable cache over the
// persistent store: losing it loses no data, and a cold process warms
// it lazily from persisted embeddings. A durable alternative backed by
// PostgreSQL/pgvector lives in [github.com/MrWong99/semem/internal/index/postgres].
package index

import "context"

// Hit is one nearest-neighbour result.
type Hit struct {
	// ID identifies the indexed vector.
	ID string

	// Score is the cosine similarity to the query, in [-1, 1].
	Score float64
}

// Index stores embedding vectors and answers similarity searches.
//
// Implementations must be safe for concurrent use and must order
// results by descending score, ties broken by ascending ID.
type Index interface {
	// Add inserts or replaces the vector stored under id.
	Add(ctx context.Context, id string, vec []float32) error

	// Remove deletes the vector stored under id. Removing an unknown
	// id is not an error.
	Remove(ctx context.Context, id string) error

	// Search returns the k vectors most similar to vec.
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)

	// Count returns the number of indexed vectors.
	Count(ctx context.Context) (int, error)
}
