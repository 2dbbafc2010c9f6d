// Package verbs exposes the engine's stable surface: twelve verbs
// dispatched through a uniform JSON envelope.
//
// [Engine.Dispatch] is the single entry point. For every request it
// validates the arguments against the verb's static argument struct,
// resolves or creates the session, runs the handler under the verb
// deadline, and wraps the result — or a typed error kind — in a
// [Response]. Callers never see a panic or a raw error; the transport
// above this package only moves envelopes.
//
// Navigation-state mutations (zoom, pan, tilt) are serialized per
// session; read verbs from the same session proceed in parallel.
package verbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/semem/internal/enhancement"
	"github.com/MrWong99/semem/internal/graph"
	"github.com/MrWong99/semem/internal/index"
	"github.com/MrWong99/semem/internal/memory"
	"github.com/MrWong99/semem/internal/observe"
	"github.com/MrWong99/semem/internal/retrieval"
	"github.com/MrWong99/semem/internal/session"
	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/internal/zpt"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/types"
)

// Verb names one engine operation.
type Verb string

// The twelve verbs.
const (
	VerbTell         Verb = "tell"
	VerbAsk          Verb = "ask"
	VerbAugment      Verb = "augment"
	VerbInspect      Verb = "inspect"
	VerbState        Verb = "state"
	VerbZoom         Verb = "zoom"
	VerbPan          Verb = "pan"
	VerbTilt         Verb = "tilt"
	VerbRemember     Verb = "remember"
	VerbRecall       Verb = "recall"
	VerbChat         Verb = "chat"
	VerbChatEnhanced Verb = "chat-enhanced"
)

// IsValid reports whether v is one of the twelve verbs.
func (v Verb) IsValid() bool {
	switch v {
	case VerbTell, VerbAsk, VerbAugment, VerbInspect, VerbState, VerbZoom,
		VerbPan, VerbTilt, VerbRemember, VerbRecall, VerbChat, VerbChatEnhanced:
		return true
	}
	return false
}

const (
	// DefaultDeadline bounds one verb invocation end to end.
	DefaultDeadline = 30 * time.Second

	// DefaultRecallLimit is the recall result cap when the caller does
	// not pass one.
	DefaultRecallLimit = 10

	// DefaultChatContextItems is how many memory snippets ground one
	// chat turn.
	DefaultChatContextItems = 3

	// DefaultChatMaxTokens caps the model's reply in a chat turn.
	DefaultChatMaxTokens = 1024

	// DefaultChatTemperature is the sampling temperature for chat.
	DefaultChatTemperature = 0.7

	// DefaultLazyLimit is how many pending records one process_lazy or
	// chunk_documents sweep picks up.
	DefaultLazyLimit = 256

	// DefaultConceptBatch caps the labels one concept_embeddings call
	// embeds.
	DefaultConceptBatch = 64

	// previewItems is the result cap for the optional query argument of
	// zoom and tilt.
	previewItems = 5
)

// Config tunes the engine. Zero values select the package defaults.
type Config struct {
	// Deadline is the total per-verb deadline.
	Deadline time.Duration

	// RecallLimit is the default result cap for recall.
	RecallLimit int

	// ChatContextItems is how many local memory snippets are offered to
	// the model on each chat turn.
	ChatContextItems int

	// ChatMaxTokens caps the model's reply in chat and chat-enhanced.
	ChatMaxTokens int

	// ChatTemperature is the sampling temperature for chat turns. Zero
	// selects the default.
	ChatTemperature float64

	// LazyLimit bounds one process_lazy or chunk_documents sweep.
	LazyLimit int

	// ConceptBatch bounds the labels embedded by one concept_embeddings
	// call.
	ConceptBatch int
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.RecallLimit <= 0 {
		c.RecallLimit = DefaultRecallLimit
	}
	if c.ChatContextItems <= 0 {
		c.ChatContextItems = DefaultChatContextItems
	}
	if c.ChatMaxTokens <= 0 {
		c.ChatMaxTokens = DefaultChatMaxTokens
	}
	if c.ChatTemperature <= 0 {
		c.ChatTemperature = DefaultChatTemperature
	}
	if c.LazyLimit <= 0 {
		c.LazyLimit = DefaultLazyLimit
	}
	if c.ConceptBatch <= 0 {
		c.ConceptBatch = DefaultConceptBatch
	}
	return c
}

// Deps are the subsystems an [Engine] dispatches into. All fields except
// Metrics are required.
type Deps struct {
	Store     *store.Buffered
	Index     index.Index
	Graph     *graph.Graph
	Memory    *memory.Manager
	Retriever *retrieval.Retriever
	Nav       *zpt.Manager
	Enhancer  *enhancement.Coordinator
	Sessions  *session.Registry
	Embedder  embeddings.Provider
	LLM       llm.Provider

	// Metrics receives per-verb latency samples. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (d Deps) validate() error {
	var errs []error
	if d.Store == nil {
		errs = append(errs, errors.New("store must not be nil"))
	}
	if d.Index == nil {
		errs = append(errs, errors.New("index must not be nil"))
	}
	if d.Graph == nil {
		errs = append(errs, errors.New("graph must not be nil"))
	}
	if d.Memory == nil {
		errs = append(errs, errors.New("memory manager must not be nil"))
	}
	if d.Retriever == nil {
		errs = append(errs, errors.New("retriever must not be nil"))
	}
	if d.Nav == nil {
		errs = append(errs, errors.New("navigation manager must not be nil"))
	}
	if d.Enhancer == nil {
		errs = append(errs, errors.New("enhancement coordinator must not be nil"))
	}
	if d.Sessions == nil {
		errs = append(errs, errors.New("session registry must not be nil"))
	}
	if d.Embedder == nil {
		errs = append(errs, errors.New("embedding provider must not be nil"))
	}
	if d.LLM == nil {
		errs = append(errs, errors.New("llm provider must not be nil"))
	}
	return errors.Join(errs...)
}

// Engine dispatches verbs into the engine's subsystems. Safe for
// concurrent use.
type Engine struct {
	store     *store.Buffered
	index     index.Index
	graph     *graph.Graph
	memory    *memory.Manager
	retriever *retrieval.Retriever
	nav       *zpt.Manager
	enhancer  *enhancement.Coordinator
	sessions  *session.Registry
	embedder  embeddings.Provider
	llm       llm.Provider
	metrics   *observe.Metrics
	cfg       Config
}

// New creates an Engine over the given subsystems.
func New(deps Deps, cfg Config) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("verbs: new: %w", err)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Engine{
		store:     deps.Store,
		index:     deps.Index,
		graph:     deps.Graph,
		memory:    deps.Memory,
		retriever: deps.Retriever,
		nav:       deps.Nav,
		enhancer:  deps.Enhancer,
		sessions:  deps.Sessions,
		embedder:  deps.Embedder,
		llm:       deps.LLM,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
	}, nil
}

// outcome is what one verb handler produces before enveloping.
type outcome struct {
	result    any
	state     *types.NavigationState
	sources   []string
	cacheHits int
	timings   map[string]time.Duration
}

// Dispatch runs one verb and returns its envelope. It never panics and
// never returns a raw error; failures come back as envelopes with
// Success=false and a typed ErrorKind.
func (e *Engine) Dispatch(ctx context.Context, req Request) Response {
	start := time.Now()

	if !req.Verb.IsValid() {
		return e.fail(ctx, req.Verb, req.SessionID,
			invalidf("verb", "unknown verb %q", req.Verb), time.Since(start))
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess := e.sessions.GetOrCreate(sessionID)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "verb "+string(req.Verb),
		trace.WithAttributes(
			attribute.String("verb", string(req.Verb)),
			attribute.String("session.id", sessionID),
		),
	)
	defer span.End()

	out, err := e.handle(ctx, sess, req.Verb, req.Args)

	status := "ok"
	var resp Response
	if err != nil {
		status = "error"
		resp = e.fail(ctx, req.Verb, sessionID, err, time.Since(start))
	} else {
		resp = e.succeed(ctx, req.Verb, sessionID, out, time.Since(start))
	}
	span.SetAttributes(attribute.String("verb.status", status))
	e.metrics.RecordVerb(ctx, string(req.Verb), status, time.Since(start))
	return resp
}

func (e *Engine) handle(ctx context.Context, sess *session.Session, verb Verb, raw json.RawMessage) (outcome, error) {
	switch verb {
	case VerbTell:
		return e.tell(ctx, sess, raw)
	case VerbAsk:
		return e.ask(ctx, sess, raw)
	case VerbAugment:
		return e.augment(ctx, sess, raw)
	case VerbInspect:
		return e.inspect(ctx, sess, raw)
	case VerbState:
		return e.state(ctx, sess)
	case VerbZoom:
		return e.zoom(ctx, sess, raw)
	case VerbPan:
		return e.pan(ctx, sess, raw)
	case VerbTilt:
		return e.tilt(ctx, sess, raw)
	case VerbRemember:
		return e.remember(ctx, sess, raw)
	case VerbRecall:
		return e.recall(ctx, sess, raw)
	case VerbChat:
		return e.chat(ctx, sess, raw)
	case VerbChatEnhanced:
		return e.chatEnhanced(ctx, sess, raw)
	default:
		return outcome{}, invalidf("verb", "unknown verb %q", verb)
	}
}

// succeed builds the success envelope. The navigation state is loaded
// for the envelope unless the handler already carries the updated one;
// an unloadable state degrades to an envelope without it.
func (e *Engine) succeed(ctx context.Context, verb Verb, sessionID string, out outcome, elapsed time.Duration) Response {
	state := out.state
	if state == nil {
		st, err := e.nav.State(ctx, sessionID)
		if err != nil {
			observe.Logger(ctx).Warn("verbs: navigation state unavailable for envelope",
				"verb", verb,
				"session_id", sessionID,
				"error", err,
			)
		} else {
			state = &st
		}
	}

	timings := make(map[string]int64, len(out.timings)+1)
	for stage, d := range out.timings {
		timings[stage] = d.Milliseconds()
	}
	timings["total"] = elapsed.Milliseconds()

	return Response{
		Success:  true,
		Verb:     verb,
		Result:   out.result,
		ZPTState: state,
		Diagnostics: Diagnostics{
			SessionID:     sessionID,
			CorrelationID: observe.CorrelationID(ctx),
			TimingsMs:     timings,
			SourcesUsed:   out.sources,
			CacheHits:     out.cacheHits,
			Degraded:      e.store.Status().Degraded,
		},
	}
}

// fail builds the error envelope. The full error chain goes to the log;
// the envelope carries only the kind and a short human message.
func (e *Engine) fail(ctx context.Context, verb Verb, sessionID string, err error, elapsed time.Duration) Response {
	kind := classify(ctx, err)

	log := observe.Logger(ctx)
	if kind == KindValidation {
		log.Debug("verbs: rejected invalid request",
			"verb", verb,
			"session_id", sessionID,
			"error", err,
		)
	} else {
		log.Error("verbs: verb failed",
			"verb", verb,
			"session_id", sessionID,
			"error_kind", kind,
			"error", err,
		)
	}

	return Response{
		Success:      false,
		Verb:         verb,
		ErrorKind:    kind,
		ErrorMessage: publicMessage(kind, err),
		Diagnostics: Diagnostics{
			SessionID:     sessionID,
			CorrelationID: observe.CorrelationID(ctx),
			TimingsMs:     map[string]int64{"total": elapsed.Milliseconds()},
			Degraded:      e.store.Status().Degraded,
		},
	}
}

// decode unmarshals raw into args. Unknown fields are ignored so newer
// clients can talk to older engines; a missing args object decodes as
// all-defaults and the handler's required-field checks take over.
func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return invalidf("args", "malformed JSON: %v", err)
	}
	return nil
}
