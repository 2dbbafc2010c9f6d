package store

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/semem/pkg/rdf"
	"github.com/MrWong99/semem/pkg/types"
)

// Well-known vocabulary terms.
const (
	rdfTypeIRI        = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	rdfsLabelIRI      = "http://www.w3.org/2000/01/rdf-schema#label"
	dctermsCreatedIRI = "http://purl.org/dc/terms/created"

	xsdBoolean  = "http://www.w3.org/2001/XMLSchema#boolean"
	xsdInteger  = "http://www.w3.org/2001/XMLSchema#integer"
	xsdDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"
)

// Predicate local names under Schema.Prefix.
const (
	predPrompt       = "prompt"
	predResponse     = "response"
	predEmbedding    = "embedding"
	predConcept      = "concept"
	predContentType  = "contentType"
	predDomain       = "domain"
	predTag          = "tag"
	predSource       = "source"
	predImportance   = "importance"
	predLastAccessed = "lastAccessed"
	predPending      = "pendingProcessing"
	predExtra        = "extra"
	predChunkOf      = "chunkOf"
	predChunkIndex   = "chunkIndex"
	predChunkTotal   = "chunkTotal"
	predChunkTitle   = "chunkTitle"
	predChunkOffset  = "chunkOffset"
	predChunkLength  = "chunkLength"
	predSourceQuery  = "sourceQuery"
	predProvider     = "provider"
	predCacheTTL     = "cacheTtlSeconds"
	predExpires      = "expires"
	predLinkedTo     = "linkedTo"
	predNavState     = "navigationState"

	datatypeVector = "vector"
	datatypeJSON   = "json"
)

// Schema names the graphs and the predicate namespace the store writes
// under. The zero value is completed by withDefaults.
type Schema struct {
	// Prefix is the namespace all semem predicates and subjects live under.
	Prefix string

	// InteractionGraph is the named graph holding interaction records.
	InteractionGraph string

	// NavigationGraph is the named graph holding per-session navigation
	// state, kept apart from content so state churn never touches records.
	NavigationGraph string
}

func (s Schema) withDefaults() Schema {
	if s.Prefix == "" {
		s.Prefix = "http://purl.org/semem/"
	}
	if s.InteractionGraph == "" {
		s.InteractionGraph = s.Prefix + "graph/interactions"
	}
	if s.NavigationGraph == "" {
		s.NavigationGraph = s.Prefix + "graph/navigation"
	}
	return s
}

func (s Schema) pred(name string) string { return s.Prefix + name }

func (s Schema) kindIRI(k types.Kind) string { return s.Prefix + "kind/" + string(k) }

func (s Schema) subjectIRI(id string) string { return s.Prefix + "id/" + id }

func (s Schema) sessionIRI(sessionID string) string { return s.Prefix + "session/" + sessionID }

// subjectID recovers a record ID from its subject IRI, undoing the
// percent escapes [rdf.EscapeIRI] introduced at write time. An ID that
// does not unescape cleanly is kept in escaped form; both forms render
// the same subject IRI, so lookups stay consistent either way.
func (s Schema) subjectID(iri string) string {
	id := strings.TrimPrefix(iri, s.Prefix+"id/")
	if unescaped, err := url.PathUnescape(id); err == nil {
		return unescaped
	}
	return id
}

func (s Schema) kindFromIRI(iri string) types.Kind {
	return types.Kind(strings.TrimPrefix(iri, s.Prefix+"kind/"))
}

// interactionTriples maps a record onto its RDF triples in a fixed order
// so rendered updates are deterministic for identical inputs.
func (s Schema) interactionTriples(it *types.Interaction) ([]triple, error) {
	ts := []triple{
		{Pred: rdfTypeIRI, Obj: iriObject(s.kindIRI(it.Kind))},
		{Pred: s.pred(predPrompt), Obj: litObject(it.Prompt)},
	}
	if it.Response != "" {
		ts = append(ts, triple{Pred: s.pred(predResponse), Obj: litObject(it.Response)})
	}
	if len(it.Embedding) > 0 {
		enc, err := encodeVector(it.Embedding)
		if err != nil {
			return nil, fmt.Errorf("store: encode embedding for %s: %w", it.ID, err)
		}
		ts = append(ts, triple{Pred: s.pred(predEmbedding), Obj: typedObject(enc, s.pred(datatypeVector))})
	}
	for _, c := range it.Concepts {
		ts = append(ts, triple{Pred: s.pred(predConcept), Obj: litObject(c)})
	}

	m := it.Metadata
	if m.Type != "" {
		ts = append(ts, triple{Pred: s.pred(predContentType), Obj: litObject(m.Type)})
	}
	if m.Title != "" {
		ts = append(ts, triple{Pred: rdfsLabelIRI, Obj: litObject(m.Title)})
	}
	if m.Domain != "" {
		ts = append(ts, triple{Pred: s.pred(predDomain), Obj: litObject(m.Domain)})
	}
	for _, tag := range m.Tags {
		ts = append(ts, triple{Pred: s.pred(predTag), Obj: litObject(tag)})
	}
	if m.Source != "" {
		ts = append(ts, triple{Pred: s.pred(predSource), Obj: litObject(m.Source)})
	}
	if m.Importance != "" {
		ts = append(ts, triple{Pred: s.pred(predImportance), Obj: litObject(m.Importance)})
	}
	if !m.Created.IsZero() {
		ts = append(ts, triple{Pred: dctermsCreatedIRI, Obj: dateTimeObject(m.Created)})
	}
	if !m.LastAccessed.IsZero() {
		ts = append(ts, triple{Pred: s.pred(predLastAccessed), Obj: dateTimeObject(m.LastAccessed)})
	}
	if m.PendingProcessing {
		ts = append(ts, triple{Pred: s.pred(predPending), Obj: typedObject("true", xsdBoolean)})
	}
	if len(m.Extra) > 0 {
		enc, err := json.Marshal(m.Extra)
		if err != nil {
			return nil, fmt.Errorf("store: encode extra metadata for %s: %w", it.ID, err)
		}
		ts = append(ts, triple{Pred: s.pred(predExtra), Obj: typedObject(string(enc), s.pred(datatypeJSON))})
	}

	if c := it.Chunk; c != nil {
		ts = append(ts,
			triple{Pred: s.pred(predChunkOf), Obj: iriObject(s.subjectIRI(c.ParentID))},
			triple{Pred: s.pred(predChunkIndex), Obj: intObject(c.Index)},
			triple{Pred: s.pred(predChunkTotal), Obj: intObject(c.Total)},
			triple{Pred: s.pred(predChunkOffset), Obj: intObject(c.Offset)},
			triple{Pred: s.pred(predChunkLength), Obj: intObject(c.Length)},
		)
		if c.Title != "" {
			ts = append(ts, triple{Pred: s.pred(predChunkTitle), Obj: litObject(c.Title)})
		}
	}

	if e := it.Enhancement; e != nil {
		ts = append(ts,
			triple{Pred: s.pred(predSourceQuery), Obj: litObject(e.SourceQuery)},
			triple{Pred: s.pred(predProvider), Obj: litObject(e.Provider)},
			triple{Pred: s.pred(predCacheTTL), Obj: intObject(int(e.CacheTTL / time.Second))},
		)
		if !e.Expires.IsZero() {
			ts = append(ts, triple{Pred: s.pred(predExpires), Obj: dateTimeObject(e.Expires)})
		}
		for _, linked := range e.LinkedIDs {
			ts = append(ts, triple{Pred: s.pred(predLinkedTo), Obj: iriObject(s.subjectIRI(linked))})
		}
	}
	return ts, nil
}

// interactionFromBindings rebuilds a record from ?p/?o rows of a single
// subject. Multi-valued fields are sorted because SPARQL row order
// carries no meaning.
func (s Schema) interactionFromBindings(id string, rows []rdf.Binding) (*types.Interaction, error) {
	it := &types.Interaction{ID: id}
	for _, row := range rows {
		p, o := row["p"], row["o"]
		if p.IsZero() || o.IsZero() {
			continue
		}
		var err error
		switch p.Value {
		case rdfTypeIRI:
			it.Kind = s.kindFromIRI(o.Value)
		case s.pred(predPrompt):
			it.Prompt = o.Value
		case s.pred(predResponse):
			it.Response = o.Value
		case s.pred(predEmbedding):
			it.Embedding, err = decodeVector(o.Value)
		case s.pred(predConcept):
			it.Concepts = append(it.Concepts, o.Value)
		case s.pred(predContentType):
			it.Metadata.Type = o.Value
		case rdfsLabelIRI:
			it.Metadata.Title = o.Value
		case s.pred(predDomain):
			it.Metadata.Domain = o.Value
		case s.pred(predTag):
			it.Metadata.Tags = append(it.Metadata.Tags, o.Value)
		case s.pred(predSource):
			it.Metadata.Source = o.Value
		case s.pred(predImportance):
			it.Metadata.Importance = o.Value
		case dctermsCreatedIRI:
			it.Metadata.Created, err = parseDateTime(o.Value)
		case s.pred(predLastAccessed):
			it.Metadata.LastAccessed, err = parseDateTime(o.Value)
		case s.pred(predPending):
			it.Metadata.PendingProcessing = o.Value == "true"
		case s.pred(predExtra):
			err = json.Unmarshal([]byte(o.Value), &it.Metadata.Extra)
		case s.pred(predChunkOf):
			ensureChunk(it).ParentID = s.subjectID(o.Value)
		case s.pred(predChunkIndex):
			ensureChunk(it).Index, err = strconv.Atoi(o.Value)
		case s.pred(predChunkTotal):
			ensureChunk(it).Total, err = strconv.Atoi(o.Value)
		case s.pred(predChunkTitle):
			ensureChunk(it).Title = o.Value
		case s.pred(predChunkOffset):
			ensureChunk(it).Offset, err = strconv.Atoi(o.Value)
		case s.pred(predChunkLength):
			ensureChunk(it).Length, err = strconv.Atoi(o.Value)
		case s.pred(predSourceQuery):
			ensureEnhancement(it).SourceQuery = o.Value
		case s.pred(predProvider):
			ensureEnhancement(it).Provider = o.Value
		case s.pred(predCacheTTL):
			var secs int
			if secs, err = strconv.Atoi(o.Value); err == nil {
				ensureEnhancement(it).CacheTTL = time.Duration(secs) * time.Second
			}
		case s.pred(predExpires):
			ensureEnhancement(it).Expires, err = parseDateTime(o.Value)
		case s.pred(predLinkedTo):
			e := ensureEnhancement(it)
			e.LinkedIDs = append(e.LinkedIDs, s.subjectID(o.Value))
		}
		if err != nil {
			return nil, fmt.Errorf("store: parse %s of %s: %w", p.Value, id, err)
		}
	}
	sort.Strings(it.Concepts)
	sort.Strings(it.Metadata.Tags)
	if it.Enhancement != nil {
		sort.Strings(it.Enhancement.LinkedIDs)
	}
	return it, nil
}

func ensureChunk(it *types.Interaction) *types.ChunkInfo {
	if it.Chunk == nil {
		it.Chunk = &types.ChunkInfo{}
	}
	return it.Chunk
}

func ensureEnhancement(it *types.Interaction) *types.EnhancementInfo {
	if it.Enhancement == nil {
		it.Enhancement = &types.EnhancementInfo{}
	}
	return it.Enhancement
}

// groupBySubject splits multi-subject result rows into per-subject ?p/?o
// rows, returning subjects in ascending order.
func groupBySubject(rows []rdf.Binding) (ids []string, grouped map[string][]rdf.Binding) {
	grouped = make(map[string][]rdf.Binding)
	for _, row := range rows {
		subj := row["s"].Value
		if subj == "" {
			continue
		}
		if _, seen := grouped[subj]; !seen {
			ids = append(ids, subj)
		}
		grouped[subj] = append(grouped[subj], row)
	}
	sort.Strings(ids)
	return ids, grouped
}

// Embeddings are stored as JSON arrays in a typed literal so they survive
// any SPARQL 1.1 store without vendor extensions.

func encodeVector(v []float32) (string, error) {
	enc, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(enc), nil
}

func decodeVector(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("malformed vector literal: %w", err)
	}
	return v, nil
}

func dateTimeObject(t time.Time) object {
	return typedObject(t.UTC().Format(time.RFC3339Nano), xsdDateTime)
}

func intObject(n int) object {
	return typedObject(strconv.Itoa(n), xsdInteger)
}

func parseDateTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed dateTime literal %q: %w", s, err)
	}
	return t, nil
}
