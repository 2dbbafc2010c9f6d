package verbs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/semem/internal/memory"
	"github.com/MrWong99/semem/internal/session"
	"github.com/MrWong99/semem/pkg/types"
)

// tellArgs is the argument object of the tell verb.
type tellArgs struct {
	// Content is the text to store. Required.
	Content string `json:"content"`

	// Type is the record kind: interaction (default), concept, or
	// document.
	Type string `json:"type,omitempty"`

	// Metadata carries optional provenance and retrieval hints.
	Metadata *metadataArgs `json:"metadata,omitempty"`

	// Lazy defers embedding and concept extraction to a later
	// process_lazy pass.
	Lazy bool `json:"lazy,omitempty"`
}

// metadataArgs is the caller-settable subset of record metadata.
type metadataArgs struct {
	Title  string            `json:"title,omitempty"`
	Domain string            `json:"domain,omitempty"`
	Tags   []string          `json:"tags,omitempty"`
	Source string            `json:"source,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

func (m *metadataArgs) toMetadata() types.Metadata {
	if m == nil {
		return types.Metadata{}
	}
	return types.Metadata{
		Title:  m.Title,
		Domain: m.Domain,
		Tags:   append([]string(nil), m.Tags...),
		Source: m.Source,
		Extra:  m.Extra,
	}
}

// tellResult reports what one tell did.
type tellResult struct {
	ID                string `json:"id"`
	Stored            bool   `json:"stored"`
	Deduplicated      bool   `json:"deduplicated,omitempty"`
	Lazy              bool   `json:"lazy,omitempty"`
	Chunks            int    `json:"chunks,omitempty"`
	ConceptsExtracted int    `json:"conceptsExtracted"`
}

func (e *Engine) tell(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args tellArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}
	if strings.TrimSpace(args.Content) == "" {
		return outcome{}, invalidf("content", "required")
	}
	kind, err := tellKind(args.Type)
	if err != nil {
		return outcome{}, err
	}

	it, stats, err := e.memory.Store(ctx, memory.StoreRequest{
		SessionID: sess.ID(),
		Kind:      kind,
		Content:   args.Content,
		Metadata:  args.Metadata.toMetadata(),
		Lazy:      args.Lazy,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: tell: %w", err)
	}

	return outcome{result: tellResult{
		ID:                it.ID,
		Stored:            stats.Stored,
		Deduplicated:      stats.Deduplicated,
		Lazy:              stats.Lazy,
		Chunks:            stats.Chunks,
		ConceptsExtracted: stats.Concepts,
	}}, nil
}

func tellKind(s string) (types.Kind, error) {
	switch s {
	case "", string(types.KindInteraction):
		return types.KindInteraction, nil
	case string(types.KindConcept):
		return types.KindConcept, nil
	case string(types.KindDocument):
		return types.KindDocument, nil
	default:
		return "", invalidf("type", "%q is not one of interaction, concept, document", s)
	}
}

// rememberArgs is the argument object of the remember verb.
type rememberArgs struct {
	// Content is the statement to remember. Required.
	Content string `json:"content"`

	// Importance is low, medium, high, or critical. Empty means
	// unranked.
	Importance string `json:"importance,omitempty"`

	// Domain scopes the memory for pan filtering and recall.
	Domain string `json:"domain,omitempty"`

	// Tags label the memory for recall filtering.
	Tags []string `json:"tags,omitempty"`

	// Context is supporting text stored alongside the statement. It
	// participates in the embedding so it sharpens later recall.
	Context string `json:"context,omitempty"`
}

type rememberResult struct {
	ID string `json:"id"`
}

func (e *Engine) remember(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args rememberArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}
	if strings.TrimSpace(args.Content) == "" {
		return outcome{}, invalidf("content", "required")
	}
	if args.Importance != "" && !types.ValidImportance(args.Importance) {
		return outcome{}, invalidf("importance", "%q is not one of low, medium, high, critical", args.Importance)
	}

	it, _, err := e.memory.Store(ctx, memory.StoreRequest{
		SessionID: sess.ID(),
		Kind:      types.KindConcept,
		Content:   args.Content,
		Response:  args.Context,
		Metadata: types.Metadata{
			Domain:     args.Domain,
			Tags:       append([]string(nil), args.Tags...),
			Importance: args.Importance,
			Source:     "remember",
		},
	})
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: remember: %w", err)
	}
	return outcome{result: rememberResult{ID: it.ID}}, nil
}

// recallArgs is the argument object of the recall verb.
type recallArgs struct {
	// Query is the retrieval text. Required.
	Query string `json:"query"`

	// Domain keeps only memories from this domain.
	Domain string `json:"domain,omitempty"`

	// TimeRange keeps only memories created inside the range.
	TimeRange *types.TimeRange `json:"timeRange,omitempty"`

	// Tags keeps memories carrying at least one of the given tags.
	Tags []string `json:"tags,omitempty"`

	// Limit caps the results. Defaults to the engine's recall limit.
	Limit int `json:"limit,omitempty"`

	// Threshold drops hits scoring below it, in [0, 1].
	Threshold *float64 `json:"threshold,omitempty"`
}

type recallResult struct {
	Memories []types.Scored `json:"memories"`
}

func (e *Engine) recall(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args recallArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}
	if strings.TrimSpace(args.Query) == "" {
		return outcome{}, invalidf("query", "required")
	}
	var threshold float64
	if args.Threshold != nil {
		threshold = *args.Threshold
		if threshold < 0 || threshold > 1 {
			return outcome{}, invalidf("threshold", "%v out of [0, 1]", threshold)
		}
	}
	if args.TimeRange != nil && !args.TimeRange.Start.IsZero() && !args.TimeRange.End.IsZero() &&
		args.TimeRange.End.Before(args.TimeRange.Start) {
		return outcome{}, invalidf("timeRange", "end before start")
	}

	limit := args.Limit
	if limit <= 0 {
		limit = e.cfg.RecallLimit
	}

	// Over-fetch when metadata filters are set so filtering still fills
	// the limit.
	fetch := limit
	filtered := args.Domain != "" || len(args.Tags) > 0 || args.TimeRange != nil
	if filtered {
		fetch = min(limit*4, 256)
	}

	items, err := e.memory.Retrieve(ctx, sess.ID(), args.Query, fetch, threshold)
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: recall: %w", err)
	}

	kept := items[:0]
	for _, item := range items {
		if !recallMatches(item.Interaction, args) {
			continue
		}
		kept = append(kept, item)
		if len(kept) == limit {
			break
		}
	}
	if kept == nil {
		kept = []types.Scored{}
	}

	return outcome{
		result:  recallResult{Memories: kept},
		sources: []string{"personal"},
	}, nil
}

// recallMatches applies the recall metadata filters: every present
// filter must match, and the tag filter matches when the record carries
// any requested tag (same one-of-list semantics as pan predicates).
func recallMatches(it *types.Interaction, args recallArgs) bool {
	if args.Domain != "" && !strings.EqualFold(it.Metadata.Domain, args.Domain) {
		return false
	}
	if args.TimeRange != nil && !args.TimeRange.Contains(it.Metadata.Created) {
		return false
	}
	if len(args.Tags) == 0 {
		return true
	}
	for _, want := range args.Tags {
		for _, have := range it.Metadata.Tags {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}
