// Package knowledge defines the Provider interface for external knowledge
// sources used to enhance retrieval.
//
// A knowledge provider answers a natural-language question with zero or more
// textual results from an external corpus (Wikipedia articles, Wikidata
// entities) or from a generative model (hypothetical document expansion).
// Results are cached and persisted by the enhancement coordinator; providers
// themselves are stateless lookups.
//
// Implementors must be safe for concurrent use.
package knowledge

import "context"

// Result is a single piece of external knowledge returned by a Lookup.
type Result struct {
	// ID identifies the result within the provider's own namespace (a
	// Wikipedia page title, a Wikidata entity ID such as "Q937"). The
	// enhancement coordinator prefixes it with the provider name to form
	// a globally unique record ID.
	ID string

	// Title is a short human-readable label for the result.
	Title string

	// Content is the textual payload: an article extract, a rendered set
	// of entity claims, or a generated hypothetical answer.
	Content string

	// URL points at the canonical source of the result, when one exists.
	// Generated results leave it empty.
	URL string
}

// Provider is the abstraction over any external knowledge source.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must return promptly once ctx is cancelled.
type Provider interface {
	// Name returns the stable provider identifier ("wikipedia", "wikidata",
	// "hyde"). It is used for cache keys, record namespacing, and source
	// attribution, so it must never change between calls.
	Name() string

	// Lookup answers question with external knowledge. An empty result
	// slice with a nil error means the source had nothing relevant; errors
	// are reserved for transport and decoding failures.
	Lookup(ctx context.Context, question string) ([]Result, error)
}
