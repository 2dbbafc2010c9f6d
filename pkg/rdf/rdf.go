// Package rdf defines the contract for the authoritative triple store.
//
// The engine talks to an RDF store exclusively through the narrow
// [Store] interface: SELECT/CONSTRUCT/ASK reads and UPDATE mutations,
// plus a transactional batch. Query text is always produced from
// parameterized templates (see [EscapeLiteral] and [EscapeIRI]); user
// input is never concatenated into queries directly.
//
// The production implementation speaks the SPARQL 1.1 protocol over
// HTTP (see the sparql subpackage); the mock subpackage provides a
// scriptable in-memory stand-in for tests.
package rdf

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the store could not be reached. Callers use
// it (via errors.Is) to enter and report degraded, session-cache-only
// operation rather than failing verbs outright.
var ErrUnavailable = errors.New("rdf: store unavailable")

// TermKind distinguishes the three kinds of RDF terms.
type TermKind string

const (
	TermIRI     TermKind = "iri"
	TermLiteral TermKind = "literal"
	TermBlank   TermKind = "bnode"
)

// Term is a single RDF term as returned by the store.
type Term struct {
	// Kind tells how to interpret Value.
	Kind TermKind

	// Value is the IRI, the literal's lexical form, or the blank node
	// label.
	Value string

	// Datatype is the literal's datatype IRI, when present.
	Datatype string

	// Language is the literal's language tag, when present.
	Language string
}

// IsZero reports whether the term is unset.
func (t Term) IsZero() bool { return t.Kind == "" && t.Value == "" }

// Triple is one RDF statement.
type Triple struct {
	Subject   Term
	Predicate Term
	Object    Term
}

// Binding is one SELECT result row: variable name to bound term.
// Unbound variables are absent.
type Binding map[string]Term

// Discard is a Store that accepts every update and answers every query
// with an empty result. It backs ephemeral deployments that run without
// a SPARQL endpoint: writes succeed into the void, so nothing survives
// a restart and reads are served from the engine's caches alone.
var Discard Store = discard{}

type discard struct{}

func (discard) Select(context.Context, string) ([]Binding, error)   { return nil, nil }
func (discard) Construct(context.Context, string) ([]Triple, error) { return nil, nil }
func (discard) Ask(context.Context, string) (bool, error)           { return false, nil }
func (discard) Update(context.Context, string) error                { return nil }
func (discard) Batch(context.Context, []string) error               { return nil }
func (discard) Probe(context.Context) error                         { return nil }

// Store is the narrow persistence contract the engine depends on.
//
// Implementations must be safe for concurrent use. Transport-level
// failures are reported wrapping [ErrUnavailable]; malformed queries
// and server-side rejections are ordinary errors.
type Store interface {
	// Select runs a SPARQL SELECT query and returns its rows.
	Select(ctx context.Context, query string) ([]Binding, error)

	// Construct runs a SPARQL CONSTRUCT query and returns the produced
	// triples.
	Construct(ctx context.Context, query string) ([]Triple, error)

	// Ask runs a SPARQL ASK query.
	Ask(ctx context.Context, query string) (bool, error)

	// Update runs a single SPARQL UPDATE operation.
	Update(ctx context.Context, update string) error

	// Batch runs the given UPDATE operations as one request, which
	// SPARQL 1.1 stores apply transactionally: either all operations
	// take effect or none do.
	Batch(ctx context.Context, updates []string) error

	// Probe checks endpoint liveness. It returns nil when the store
	// answers queries, wrapping [ErrUnavailable] otherwise.
	Probe(ctx context.Context) error
}
