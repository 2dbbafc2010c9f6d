// Package embeddings defines the contract for vector embedding
// backends.
//
// A provider maps text to dense float32 vectors of one fixed width.
// Those vectors feed the vector index, near-duplicate collapse, and the
// cosine ranking inside the hybrid retriever, all of which assume every
// vector in play has the provider's exact dimension; [ValidateDimension]
// enforces that at every ingest and query point.
package embeddings

import "context"

// Provider is the abstraction over a text-embedding backend.
//
// Every vector a Provider instance returns has length Dimensions().
// Vectors from different instances live in different spaces and must
// not be compared unless the caller has verified both use the same
// model. Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the vector for one text, passed through verbatim;
	// any model-specific framing (such as a "query: " prefix) is the
	// caller's job. Returns a slice of length Dimensions() or an error
	// when the request fails or ctx ends.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for texts in one provider call;
	// result i corresponds to texts[i]. On any failure the whole result
	// is nil, never a partial batch. Chunked document
	// ingest leans on this being one round trip, not len(texts).
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the fixed vector width of the underlying
	// model, constant for the lifetime of the instance.
	Dimensions() int

	// ModelID names the underlying model ("text-embedding-3-small",
	// "nomic-embed-text"), for logging and for detecting model drift
	// between what the store holds and what the provider now produces.
	ModelID() string
}
