package verbs

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/semem/internal/session"
	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/pkg/types"
)

// inspectArgs is the argument object of the inspect verb.
type inspectArgs struct {
	// Type selects the report: system, session, concept, or memory.
	// Required.
	Type string `json:"type"`

	// Target addresses the subject: a session ID (defaults to the
	// calling session), a concept label, or an Interaction ID.
	Target string `json:"target,omitempty"`

	// IncludeRecommendations adds operational advice to the report.
	IncludeRecommendations bool `json:"includeRecommendations,omitempty"`
}

// systemReport is the inspect type=system payload.
type systemReport struct {
	Store                   store.Status `json:"store"`
	IndexVectors            int          `json:"indexVectors"`
	GraphConcepts           int          `json:"graphConcepts"`
	GraphEdges              int          `json:"graphEdges"`
	ActiveSessions          int          `json:"activeSessions"`
	EnhancementProviders    []string     `json:"enhancementProviders"`
	EnhancementCacheEntries int          `json:"enhancementCacheEntries"`
	EmbeddingModel          string       `json:"embeddingModel"`
	EmbeddingDimension      int          `json:"embeddingDimension"`
	Recommendations         []string     `json:"recommendations,omitempty"`
}

// sessionReport is the inspect type=session payload.
type sessionReport struct {
	SessionID       string                `json:"sessionId"`
	Created         time.Time             `json:"created"`
	LastAccess      time.Time             `json:"lastAccess"`
	HistoryMessages int                   `json:"historyMessages"`
	HistoryTokens   int                   `json:"historyTokens"`
	State           types.NavigationState `json:"state"`
	FadedRecords    int                   `json:"fadedRecords"`
	Recommendations []string              `json:"recommendations,omitempty"`
}

// conceptReport is the inspect type=concept payload.
type conceptReport struct {
	Label        string        `json:"label"`
	Occurrences  int           `json:"occurrences"`
	FirstSeen    time.Time     `json:"firstSeen"`
	HasEmbedding bool          `json:"hasEmbedding"`
	Neighbors    []conceptEdge `json:"neighbors"`
	Community    []string      `json:"community,omitempty"`
}

// memoryReport is the inspect type=memory payload. The record comes
// back without its raw embedding vector; HasEmbedding says whether one
// is stored.
type memoryReport struct {
	Record       *types.Interaction `json:"record"`
	HasEmbedding bool               `json:"hasEmbedding"`
	Faded        bool               `json:"faded"`
}

// maxConceptNeighbors caps the neighbor edges in one concept report.
const maxConceptNeighbors = 16

func (e *Engine) inspect(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args inspectArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}

	var (
		result any
		err    error
	)
	switch args.Type {
	case "system":
		result, err = e.inspectSystem(ctx, args.IncludeRecommendations)
	case "session":
		target := args.Target
		if target == "" {
			target = sess.ID()
		}
		result, err = e.inspectSession(ctx, target, args.IncludeRecommendations)
	case "concept":
		if args.Target == "" {
			return outcome{}, invalidf("target", "required for type %q", args.Type)
		}
		result, err = e.inspectConcept(args.Target)
	case "memory":
		if args.Target == "" {
			return outcome{}, invalidf("target", "required for type %q", args.Type)
		}
		result, err = e.inspectMemory(ctx, sess.ID(), args.Target)
	case "":
		return outcome{}, invalidf("type", "required")
	default:
		return outcome{}, invalidf("type", "%q is not one of system, session, concept, memory", args.Type)
	}
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: inspect %s: %w", args.Type, err)
	}
	return outcome{result: result}, nil
}

func (e *Engine) inspectSystem(ctx context.Context, recommend bool) (any, error) {
	vectors, err := e.index.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count index: %w", err)
	}
	status := e.store.Status()

	report := systemReport{
		Store:                   status,
		IndexVectors:            vectors,
		GraphConcepts:           e.graph.NodeCount(),
		GraphEdges:              e.graph.EdgeCount(),
		ActiveSessions:          e.sessions.Len(),
		EnhancementProviders:    e.enhancer.Providers(),
		EnhancementCacheEntries: e.enhancer.CacheLen(),
		EmbeddingModel:          e.embedder.ModelID(),
		EmbeddingDimension:      e.embedder.Dimensions(),
	}

	if recommend {
		if status.Degraded {
			report.Recommendations = append(report.Recommendations,
				"persistent store unreachable; writes are buffered in session caches until it returns")
		}
		if pending, err := e.store.ListPending(ctx, 1); err == nil && len(pending) > 0 {
			report.Recommendations = append(report.Recommendations,
				"lazy records are pending; run augment with operation process_lazy to complete them")
		}
		if vectors == 0 && !status.Degraded {
			report.Recommendations = append(report.Recommendations,
				"vector index is empty; it repopulates from the store on demand or via warmup")
		}
	}
	return report, nil
}

func (e *Engine) inspectSession(ctx context.Context, sessionID string, recommend bool) (any, error) {
	sess, ok := e.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, store.ErrNotFound)
	}
	state, err := e.nav.State(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	hist := sess.History()
	report := sessionReport{
		SessionID:       sessionID,
		Created:         sess.Created(),
		LastAccess:      sess.LastAccess(),
		HistoryMessages: hist.Len(),
		HistoryTokens:   hist.TokenEstimate(),
		State:           state,
		FadedRecords:    len(state.FadeOut),
	}

	if recommend {
		if len(state.FadeOut) > 0 {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("%d records are faded out and excluded from retrieval in this session", len(state.FadeOut)))
		}
		if hist.TokenEstimate() > session.DefaultMaxHistoryTokens/2 {
			report.Recommendations = append(report.Recommendations,
				"conversation history is getting long; older turns will be compacted")
		}
	}
	return report, nil
}

func (e *Engine) inspectConcept(label string) (any, error) {
	node, ok := e.graph.Node(label)
	if !ok {
		return nil, fmt.Errorf("concept %q: %w", label, store.ErrNotFound)
	}

	neighbors := e.graph.Neighbors(label)
	if len(neighbors) > maxConceptNeighbors {
		neighbors = neighbors[:maxConceptNeighbors]
	}
	edges := make([]conceptEdge, 0, len(neighbors))
	for _, n := range neighbors {
		edges = append(edges, conceptEdge{A: n.A, B: n.B, Weight: n.Weight})
	}

	community := e.graph.CommunityOf(label)
	if len(community) == 1 && community[0] == label {
		community = nil
	}

	return conceptReport{
		Label:        node.Label,
		Occurrences:  node.Occurrences,
		FirstSeen:    node.FirstSeen,
		HasEmbedding: node.Embedding != nil,
		Neighbors:    edges,
		Community:    community,
	}, nil
}

func (e *Engine) inspectMemory(ctx context.Context, sessionID, id string) (any, error) {
	it, err := e.store.Get(ctx, sessionID, id)
	if err != nil {
		return nil, fmt.Errorf("record %q: %w", id, err)
	}
	state, err := e.nav.State(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	record := *it
	hasEmbedding := record.Embedding != nil
	record.Embedding = nil

	return memoryReport{
		Record:       &record,
		HasEmbedding: hasEmbedding,
		Faded:        slices.Contains(state.FadeOut, id),
	}, nil
}
