// Package types defines the shared types used across all Semem packages.
//
// These types form the lingua franca between the verb dispatcher, the memory
// manager, the hybrid retriever, and the storage layers. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import (
	"time"
)

// Kind classifies a stored Interaction.
type Kind string

const (
	// KindInteraction is a plain prompt/response exchange stored by tell,
	// remember, or chat.
	KindInteraction Kind = "interaction"

	// KindConcept is a short standalone statement describing a single idea.
	KindConcept Kind = "concept"

	// KindDocument is a full document; large documents are split into chunks.
	KindDocument Kind = "document"

	// KindChunk is a segment of a parent document produced by the chunker.
	KindChunk Kind = "document-chunk"

	// KindEnhancement is external knowledge cached as a first-class record.
	// Enhancement IDs are provider-namespaced so they can never collide with
	// user content.
	KindEnhancement Kind = "enhancement"
)

// IsValid reports whether k is one of the defined kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindInteraction, KindConcept, KindDocument, KindChunk, KindEnhancement:
		return true
	}
	return false
}

// Interaction is the atomic durable record of the memory system. It is
// immutable after creation except for Metadata.LastAccessed and
// Metadata.Importance; "forgetting" is a navigation-state operation that
// moves records out of view without deleting triples.
type Interaction struct {
	// ID is a stable hash-derived identifier. Enhancement records carry a
	// provider-namespaced ID ("wikipedia:…") instead.
	ID string `json:"id"`

	// Kind classifies the record.
	Kind Kind `json:"kind"`

	// Prompt is the ingested text (tell content, question, or source query).
	Prompt string `json:"prompt"`

	// Response is the paired output text. Empty for documents and chunks.
	Response string `json:"response,omitempty"`

	// Embedding is the fixed-dimension vector for the record, if processed.
	// Nil for lazy records awaiting a process_lazy pass.
	Embedding []float32 `json:"embedding,omitempty"`

	// Concepts are the extracted concept labels (lowercase, deduplicated).
	Concepts []string `json:"concepts,omitempty"`

	// Metadata carries provenance and retrieval hints.
	Metadata Metadata `json:"metadata"`

	// Chunk is set only for Kind == KindChunk.
	Chunk *ChunkInfo `json:"chunk,omitempty"`

	// Enhancement is set only for Kind == KindEnhancement.
	Enhancement *EnhancementInfo `json:"enhancement,omitempty"`
}

// Metadata carries the mutable and descriptive fields of an Interaction.
type Metadata struct {
	// Type is the caller-declared content type (free-form, e.g. "note").
	Type string `json:"type,omitempty"`

	// Title is the human-readable title, used for chunk titling.
	Title string `json:"title,omitempty"`

	// Domain is the topical domain used by pan filtering.
	Domain string `json:"domain,omitempty"`

	// Tags are caller-supplied labels used by pan filtering and recall.
	Tags []string `json:"tags,omitempty"`

	// Source records where the content came from (session, provider name).
	Source string `json:"source,omitempty"`

	// Importance is one of "low", "medium", "high", "critical". Empty means
	// unranked.
	Importance string `json:"importance,omitempty"`

	// Created is when the record was first persisted.
	Created time.Time `json:"created"`

	// LastAccessed is updated when the record is returned by retrieval.
	LastAccessed time.Time `json:"lastAccessed,omitempty"`

	// PendingProcessing marks a lazy record whose embedding and concepts
	// have not been generated yet.
	PendingProcessing bool `json:"pendingProcessing,omitempty"`

	// Extra holds any additional caller metadata as opaque key/value pairs.
	Extra map[string]string `json:"extra,omitempty"`
}

// ChunkInfo links a document chunk to its parent and records its position.
// A chunk's text slice plus its offset/length reconstructs a contiguous
// region of the parent document.
type ChunkInfo struct {
	// ParentID is the ID of the parent document Interaction.
	ParentID string `json:"parentId"`

	// Index is the zero-based position of this chunk within the parent.
	Index int `json:"index"`

	// Total is the number of chunks the parent was split into.
	Total int `json:"total"`

	// Title is the nearest prior Markdown header, or a derived label.
	Title string `json:"title,omitempty"`

	// Offset is the rune-exclusive byte offset of the chunk body (without
	// the overlap prefix) in the parent document.
	Offset int `json:"offset"`

	// Length is the byte length of the chunk body without overlap.
	Length int `json:"length"`
}

// EnhancementInfo carries the provenance of an externally retrieved record.
type EnhancementInfo struct {
	// SourceQuery is the normalized question that produced this record.
	SourceQuery string `json:"sourceQuery"`

	// Provider is the knowledge provider name ("wikidata", "wikipedia",
	// "hyde").
	Provider string `json:"provider"`

	// CacheTTL is how long the record participates in retrieval weighting.
	// After expiry the record is demoted, not deleted.
	CacheTTL time.Duration `json:"cacheTtl"`

	// Expires is Created + CacheTTL, precomputed for range queries.
	Expires time.Time `json:"expires"`

	// LinkedIDs are personal Interactions found relevant when the record
	// was cached.
	LinkedIDs []string `json:"linkedIds,omitempty"`
}

// Expired reports whether the record is past its TTL at the given time.
func (e *EnhancementInfo) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && now.After(e.Expires)
}

// Scored pairs an Interaction with its retrieval score. Scores are
// comparable only within a single retrieval pass.
type Scored struct {
	Interaction *Interaction `json:"interaction"`

	// Score is the merged retrieval weight in [0, 1].
	Score float64 `json:"score"`

	// Source identifies which branch produced the item: "personal",
	// "wikidata", "wikipedia". Hypothetical expansion never appears here.
	Source string `json:"source"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Navigation state (ZPT)
// ─────────────────────────────────────────────────────────────────────────────

// ZoomLevel selects the granularity of retrieval candidates.
type ZoomLevel string

const (
	ZoomMicro     ZoomLevel = "micro"
	ZoomEntity    ZoomLevel = "entity"
	ZoomUnit      ZoomLevel = "unit"
	ZoomText      ZoomLevel = "text"
	ZoomCommunity ZoomLevel = "community"
	ZoomCorpus    ZoomLevel = "corpus"
)

// IsValid reports whether z is one of the defined zoom levels.
func (z ZoomLevel) IsValid() bool {
	switch z {
	case ZoomMicro, ZoomEntity, ZoomUnit, ZoomText, ZoomCommunity, ZoomCorpus:
		return true
	}
	return false
}

// TiltStyle selects the primary ranking signal used during merging.
type TiltStyle string

const (
	TiltKeywords  TiltStyle = "keywords"
	TiltEmbedding TiltStyle = "embedding"
	TiltGraph     TiltStyle = "graph"
	TiltTemporal  TiltStyle = "temporal"
)

// IsValid reports whether t is one of the defined tilt styles.
func (t TiltStyle) IsValid() bool {
	switch t {
	case TiltKeywords, TiltEmbedding, TiltGraph, TiltTemporal:
		return true
	}
	return false
}

// TimeRange bounds the pan temporal predicate. A zero bound is open.
type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Contains reports whether ts falls inside the range.
func (r *TimeRange) Contains(ts time.Time) bool {
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ts.After(r.End) {
		return false
	}
	return true
}

// GeoBox bounds the pan geographic predicate (decimal degrees).
type GeoBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// PanFilter holds the additive filter predicates of the navigation state.
// A candidate matches when it satisfies every present predicate; an empty
// filter matches everything.
type PanFilter struct {
	Domains    []string   `json:"domains,omitempty"`
	Keywords   []string   `json:"keywords,omitempty"`
	Entities   []string   `json:"entities,omitempty"`
	Temporal   *TimeRange `json:"temporal,omitempty"`
	Geographic *GeoBox    `json:"geographic,omitempty"`
}

// Empty reports whether no predicate is set.
func (p *PanFilter) Empty() bool {
	return len(p.Domains) == 0 && len(p.Keywords) == 0 && len(p.Entities) == 0 &&
		p.Temporal == nil && p.Geographic == nil
}

// NavigationState is the per-session three-axis retrieval bias. It never
// mutates stored content; it only steers which records come into view.
type NavigationState struct {
	// Zoom narrows candidate kinds.
	Zoom ZoomLevel `json:"zoom"`

	// Pan narrows candidates by metadata predicates. Additive by default.
	Pan PanFilter `json:"pan"`

	// Tilt selects the primary ranking signal.
	Tilt TiltStyle `json:"tilt"`

	// RelevanceThreshold drops candidates scoring below it in the local
	// branch.
	RelevanceThreshold float64 `json:"relevanceThreshold"`

	// FadeOut lists Interaction IDs moved out of view. Faded records stay
	// durable but are excluded from retrieval candidates.
	FadeOut []string `json:"fadeOut,omitempty"`
}

// DefaultNavigationState returns the state a fresh session starts with.
func DefaultNavigationState() NavigationState {
	return NavigationState{
		Zoom:               ZoomCorpus,
		Tilt:               TiltEmbedding,
		RelevanceThreshold: 0.3,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (s NavigationState) Clone() NavigationState {
	out := s
	out.Pan.Domains = append([]string(nil), s.Pan.Domains...)
	out.Pan.Keywords = append([]string(nil), s.Pan.Keywords...)
	out.Pan.Entities = append([]string(nil), s.Pan.Entities...)
	if s.Pan.Temporal != nil {
		t := *s.Pan.Temporal
		out.Pan.Temporal = &t
	}
	if s.Pan.Geographic != nil {
		g := *s.Pan.Geographic
		out.Pan.Geographic = &g
	}
	out.FadeOut = append([]string(nil), s.FadeOut...)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// LLM conversation types
// ─────────────────────────────────────────────────────────────────────────────

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string
}

// Importance levels accepted by the remember verb.
const (
	ImportanceLow      = "low"
	ImportanceMedium   = "medium"
	ImportanceHigh     = "high"
	ImportanceCritical = "critical"
)

// ValidImportance reports whether s is a recognised importance level.
func ValidImportance(s string) bool {
	switch s {
	case ImportanceLow, ImportanceMedium, ImportanceHigh, ImportanceCritical:
		return true
	}
	return false
}
