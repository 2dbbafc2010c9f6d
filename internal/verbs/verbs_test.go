package verbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/semem/internal/enhancement"
	"github.com/MrWong99/semem/internal/graph"
	"github.com/MrWong99/semem/internal/index"
	"github.com/MrWong99/semem/internal/memory"
	"github.com/MrWong99/semem/internal/resilience"
	"github.com/MrWong99/semem/internal/retrieval"
	"github.com/MrWong99/semem/internal/session"
	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/internal/zpt"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	embmock "github.com/MrWong99/semem/pkg/provider/embeddings/mock"
	knowmock "github.com/MrWong99/semem/pkg/provider/knowledge/mock"
	"github.com/MrWong99/semem/pkg/provider/llm"
	llmmock "github.com/MrWong99/semem/pkg/provider/llm/mock"
	"github.com/MrWong99/semem/pkg/rdf"
	rdfmock "github.com/MrWong99/semem/pkg/rdf/mock"
	"github.com/MrWong99/semem/pkg/types"
)

// embedText maps content keywords to fixed vectors so similarity is
// controlled by the test input.
func embedText(text string) []float32 {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "gamma"):
		return []float32{0, 1, 0}
	default:
		return []float32{1, 0, 0}
	}
}

type fixture struct {
	e        *Engine
	st       *store.Buffered
	backend  *rdfmock.Store
	idx      *index.Memory
	g        *graph.Graph
	mem      *memory.Manager
	nav      *zpt.Manager
	sessions *session.Registry
	emb      *embmock.Provider
	llm      *llmmock.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := &rdfmock.Store{}
	st, err := store.NewBuffered(backend, store.Config{})
	if err != nil {
		t.Fatalf("NewBuffered() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		st:      st,
		backend: backend,
		idx:     index.NewMemory(time.Millisecond),
		g:       graph.New(graph.Config{}),
		emb: &embmock.Provider{
			DimensionsValue: 3,
			ModelIDValue:    "test-embed",
			EmbedFunc:       embedText,
		},
		llm: &llmmock.Provider{
			CompleteFunc: func(req llm.CompletionRequest) *llm.CompletionResponse {
				switch {
				case strings.Contains(req.SystemPrompt, "JSON array"):
					return &llm.CompletionResponse{Content: `["alpha","beta"]`}
				case strings.Contains(req.SystemPrompt, "JSON object"):
					return &llm.CompletionResponse{Content: `{"kind":"test subject"}`}
				case strings.Contains(req.SystemPrompt, "conversational assistant"):
					return &llm.CompletionResponse{Content: "chat reply"}
				default:
					return &llm.CompletionResponse{Content: "synthesized answer"}
				}
			},
		},
	}
	f.nav = zpt.NewManager(st)

	enh, err := enhancement.New(st, f.idx, f.emb, enhancement.Config{Retries: -1},
		&knowmock.Provider{NameValue: "wikipedia"},
		&knowmock.Provider{NameValue: "wikidata"},
		&knowmock.Provider{NameValue: "hyde"},
	)
	if err != nil {
		t.Fatalf("enhancement.New() error = %v", err)
	}
	retr, err := retrieval.New(st, f.idx, f.g, f.nav, enh, f.emb, f.llm, retrieval.Config{})
	if err != nil {
		t.Fatalf("retrieval.New() error = %v", err)
	}
	f.mem, err = memory.New(st, f.idx, f.g, f.emb, f.llm, memory.Config{})
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}
	f.sessions = session.NewRegistry(session.RegistryConfig{})

	f.e, err = New(Deps{
		Store:     st,
		Index:     f.idx,
		Graph:     f.g,
		Memory:    f.mem,
		Retriever: retr,
		Nav:       f.nav,
		Enhancer:  enh,
		Sessions:  f.sessions,
		Embedder:  f.emb,
		LLM:       f.llm,
	}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func (f *fixture) dispatch(t *testing.T, verb Verb, sessionID, args string) Response {
	t.Helper()
	req := Request{Verb: verb, SessionID: sessionID}
	if args != "" {
		req.Args = json.RawMessage(args)
	}
	return f.e.Dispatch(context.Background(), req)
}

func requireSuccess(t *testing.T, resp Response) {
	t.Helper()
	if !resp.Success {
		t.Fatalf("Dispatch(%s) failed: kind=%s message=%q", resp.Verb, resp.ErrorKind, resp.ErrorMessage)
	}
}

func requireKind(t *testing.T, resp Response, want ErrorKind) {
	t.Helper()
	if resp.Success {
		t.Fatalf("Dispatch(%s) succeeded, want %s failure", resp.Verb, want)
	}
	if resp.ErrorKind != want {
		t.Fatalf("Dispatch(%s) kind = %s (%q), want %s", resp.Verb, resp.ErrorKind, resp.ErrorMessage, want)
	}
}

func TestVerb_IsValid(t *testing.T) {
	for _, v := range []Verb{VerbTell, VerbAsk, VerbAugment, VerbInspect, VerbState,
		VerbZoom, VerbPan, VerbTilt, VerbRemember, VerbRecall, VerbChat, VerbChatEnhanced} {
		if !v.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", v)
		}
	}
	for _, v := range []Verb{"", "summon", "TELL", "chat_enhanced"} {
		if v.IsValid() {
			t.Errorf("IsValid(%q) = true, want false", v)
		}
	}
}

func TestNew_MissingDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	if err == nil {
		t.Fatal("New(Deps{}) error = nil, want error")
	}
	for _, want := range []string{"store must not be nil", "llm provider must not be nil", "session registry must not be nil"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("New(Deps{}) error = %q, want mention of %q", err, want)
		}
	}
}

func TestEngine_Dispatch_UnknownVerb(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, Verb("summon"), "", "")
	requireKind(t, resp, KindValidation)
	if !strings.Contains(resp.ErrorMessage, "unknown verb") {
		t.Errorf("ErrorMessage = %q, want mention of unknown verb", resp.ErrorMessage)
	}
}

func TestEngine_Dispatch_MintsSession(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbState, "", "")
	requireSuccess(t, resp)
	if resp.Diagnostics.SessionID == "" {
		t.Fatal("Diagnostics.SessionID empty, want minted session id")
	}
	if _, ok := f.sessions.Get(resp.Diagnostics.SessionID); !ok {
		t.Errorf("minted session %q not registered", resp.Diagnostics.SessionID)
	}
}

func TestEngine_Dispatch_MalformedArgs(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbTell, "s1", `{"content":`)
	requireKind(t, resp, KindValidation)
	if !strings.Contains(resp.ErrorMessage, "malformed JSON") {
		t.Errorf("ErrorMessage = %q, want mention of malformed JSON", resp.ErrorMessage)
	}
}

func TestEngine_Dispatch_EnvelopeCarriesState(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbState, "s1", "")
	requireSuccess(t, resp)
	if resp.ZPTState == nil {
		t.Fatal("ZPTState = nil, want default state")
	}
	if resp.ZPTState.Zoom != types.ZoomCorpus || resp.ZPTState.Tilt != types.TiltEmbedding {
		t.Errorf("default state = %s/%s, want corpus/embedding", resp.ZPTState.Zoom, resp.ZPTState.Tilt)
	}
	if resp.Diagnostics.TimingsMs == nil {
		t.Fatal("TimingsMs = nil, want at least total")
	}
	if _, ok := resp.Diagnostics.TimingsMs["total"]; !ok {
		t.Error("TimingsMs missing total")
	}
}

func TestEngine_Tell_StoresRecord(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, VerbTell, "s1", `{"content":"alpha runs the test"}`)
	requireSuccess(t, resp)
	res, ok := resp.Result.(tellResult)
	if !ok {
		t.Fatalf("Result type = %T, want tellResult", resp.Result)
	}
	if !res.Stored || res.Deduplicated || res.Lazy {
		t.Errorf("result = %+v, want stored eager record", res)
	}
	if res.ConceptsExtracted != 2 {
		t.Errorf("ConceptsExtracted = %d, want 2", res.ConceptsExtracted)
	}

	it, err := f.st.Get(context.Background(), "s1", res.ID)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", res.ID, err)
	}
	if it.Prompt != "alpha runs the test" {
		t.Errorf("Prompt = %q", it.Prompt)
	}
	if it.Metadata.PendingProcessing {
		t.Error("record still pending after eager tell")
	}
	if n := f.g.NodeCount(); n != 2 {
		t.Errorf("graph NodeCount = %d, want 2", n)
	}

	// Re-telling identical content is a dedup no-op.
	again := f.dispatch(t, VerbTell, "s1", `{"content":"alpha runs the test"}`)
	requireSuccess(t, again)
	res2 := again.Result.(tellResult)
	if !res2.Deduplicated || res2.Stored {
		t.Errorf("re-tell result = %+v, want deduplicated", res2)
	}
	if res2.ID != res.ID {
		t.Errorf("re-tell ID = %s, want %s", res2.ID, res.ID)
	}
}

func TestEngine_Tell_MissingContent(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbTell, "s1", `{"content":"  "}`)
	requireKind(t, resp, KindValidation)
	if !strings.Contains(resp.ErrorMessage, "content") {
		t.Errorf("ErrorMessage = %q, want mention of content", resp.ErrorMessage)
	}
}

func TestEngine_Tell_InvalidType(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbTell, "s1", `{"content":"x","type":"blob"}`)
	requireKind(t, resp, KindValidation)
}

func TestEngine_Tell_LazyDefersProcessing(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbTell, "s1", `{"content":"deferred alpha","lazy":true}`)
	requireSuccess(t, resp)
	res := resp.Result.(tellResult)
	if !res.Lazy || res.ConceptsExtracted != 0 || res.Chunks != 0 {
		t.Errorf("result = %+v, want lazy with no processing", res)
	}
	if calls := len(f.llm.CompleteCalls); calls != 0 {
		t.Errorf("llm Complete called %d times during lazy tell, want 0", calls)
	}
	if n, err := f.idx.Count(context.Background()); err != nil || n != 0 {
		t.Errorf("index Count = %d, %v; want 0 before process_lazy", n, err)
	}
}

func TestEngine_Remember_StoresConcept(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbRemember, "s1",
		`{"content":"alpha prefers tabs","importance":"high","domain":"style","tags":["prefs"]}`)
	requireSuccess(t, resp)
	res := resp.Result.(rememberResult)
	if res.ID == "" {
		t.Fatal("ID empty")
	}

	it, err := f.st.Get(context.Background(), "s1", res.ID)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", res.ID, err)
	}
	if it.Kind != types.KindConcept {
		t.Errorf("Kind = %s, want concept", it.Kind)
	}
	if it.Metadata.Source != "remember" || it.Metadata.Importance != "high" || it.Metadata.Domain != "style" {
		t.Errorf("Metadata = %+v", it.Metadata)
	}
}

func TestEngine_Remember_InvalidImportance(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbRemember, "s1", `{"content":"x","importance":"urgent"}`)
	requireKind(t, resp, KindValidation)
	if !strings.Contains(resp.ErrorMessage, "importance") {
		t.Errorf("ErrorMessage = %q, want mention of importance", resp.ErrorMessage)
	}
}

func TestEngine_Recall_FiltersByDomainAndTags(t *testing.T) {
	f := newFixture(t)
	requireSuccess(t, f.dispatch(t, VerbTell, "s1",
		`{"content":"alpha one","metadata":{"domain":"science","tags":["x"]}}`))
	requireSuccess(t, f.dispatch(t, VerbTell, "s1",
		`{"content":"alpha two","metadata":{"domain":"art","tags":["y"]}}`))
	requireSuccess(t, f.dispatch(t, VerbTell, "s1",
		`{"content":"gamma three","metadata":{"domain":"science"}}`))

	resp := f.dispatch(t, VerbRecall, "s1", `{"query":"alpha","domain":"science","tags":["X"]}`)
	requireSuccess(t, resp)
	res := resp.Result.(recallResult)
	if len(res.Memories) != 1 {
		t.Fatalf("Memories = %d items, want 1", len(res.Memories))
	}
	if got := res.Memories[0].Interaction.Prompt; got != "alpha one" {
		t.Errorf("kept record = %q, want alpha one", got)
	}
	if len(resp.Diagnostics.SourcesUsed) != 1 || resp.Diagnostics.SourcesUsed[0] != "personal" {
		t.Errorf("SourcesUsed = %v, want [personal]", resp.Diagnostics.SourcesUsed)
	}
}

func TestEngine_Recall_EmptyResultIsNotNil(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbRecall, "s1", `{"query":"anything"}`)
	requireSuccess(t, resp)
	res := resp.Result.(recallResult)
	if res.Memories == nil {
		t.Error("Memories = nil, want empty slice")
	}
	if len(res.Memories) != 0 {
		t.Errorf("Memories = %d items, want none", len(res.Memories))
	}
}

func TestEngine_Recall_ThresholdOutOfRange(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbRecall, "s1", `{"query":"x","threshold":1.5}`)
	requireKind(t, resp, KindValidation)
}

func TestEngine_Recall_MissingQuery(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbRecall, "s1", `{}`)
	requireKind(t, resp, KindValidation)
	if !strings.Contains(resp.ErrorMessage, "query") {
		t.Errorf("ErrorMessage = %q, want mention of query", resp.ErrorMessage)
	}
}

func TestEngine_Ask_GroundsAnswer(t *testing.T) {
	f := newFixture(t)
	requireSuccess(t, f.dispatch(t, VerbTell, "s1", `{"content":"alpha is a memory engine"}`))

	resp := f.dispatch(t, VerbAsk, "s1", `{"question":"what is alpha?"}`)
	requireSuccess(t, resp)
	res := resp.Result.(askResult)
	if res.Answer != "synthesized answer" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(res.ContextItems) == 0 {
		t.Error("ContextItems empty, want the stored record")
	}
	found := false
	for _, s := range resp.Diagnostics.SourcesUsed {
		if s == "personal" {
			found = true
		}
	}
	if !found {
		t.Errorf("SourcesUsed = %v, want personal", resp.Diagnostics.SourcesUsed)
	}
}

func TestEngine_Ask_InvalidMode(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbAsk, "s1", `{"question":"x","mode":"turbo"}`)
	requireKind(t, resp, KindValidation)
	if !strings.Contains(resp.ErrorMessage, "mode") {
		t.Errorf("ErrorMessage = %q, want mention of mode", resp.ErrorMessage)
	}
}

func TestEngine_Chat_GroundsFromMemory(t *testing.T) {
	f := newFixture(t)
	requireSuccess(t, f.dispatch(t, VerbTell, "s1", `{"content":"alpha loves go"}`))

	resp := f.dispatch(t, VerbChat, "s1", `{"message":"tell me about alpha"}`)
	requireSuccess(t, resp)
	res := resp.Result.(chatResult)
	if res.Response != "chat reply" {
		t.Errorf("Response = %q, want chat reply", res.Response)
	}
	if len(resp.Diagnostics.SourcesUsed) != 1 || resp.Diagnostics.SourcesUsed[0] != "personal" {
		t.Errorf("SourcesUsed = %v, want [personal]", resp.Diagnostics.SourcesUsed)
	}

	sess, ok := f.sessions.Get("s1")
	if !ok {
		t.Fatal("session s1 missing")
	}
	if n := sess.History().Len(); n != 2 {
		t.Errorf("History Len = %d, want user+assistant", n)
	}

	var chatCall *llmmock.CompleteCall
	for i := range f.llm.CompleteCalls {
		if strings.Contains(f.llm.CompleteCalls[i].Req.SystemPrompt, "conversational assistant") {
			chatCall = &f.llm.CompleteCalls[i]
		}
	}
	if chatCall == nil {
		t.Fatal("no chat completion call recorded")
	}
	if !strings.Contains(chatCall.Req.SystemPrompt, "[1] alpha loves go") {
		t.Errorf("chat system prompt lacks grounding snippet: %q", chatCall.Req.SystemPrompt)
	}
}

func TestEngine_Chat_FailedTurnLeavesHistoryClean(t *testing.T) {
	f := newFixture(t)
	f.llm.CompleteErr = errors.New("backend down")

	resp := f.dispatch(t, VerbChat, "s1", `{"message":"hello"}`)
	requireKind(t, resp, KindInternal)
	if resp.ErrorMessage != "internal error" {
		t.Errorf("ErrorMessage = %q, want fixed internal message", resp.ErrorMessage)
	}

	sess, ok := f.sessions.Get("s1")
	if !ok {
		t.Fatal("session s1 missing")
	}
	if n := sess.History().Len(); n != 0 {
		t.Errorf("History Len = %d after failed turn, want 0", n)
	}
}

func TestEngine_ChatEnhanced_RecordsHistory(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbChatEnhanced, "s1", `{"message":"what is alpha?"}`)
	requireSuccess(t, resp)
	res := resp.Result.(chatEnhancedResult)
	if res.Response != "synthesized answer" {
		t.Errorf("Response = %q", res.Response)
	}

	sess, ok := f.sessions.Get("s1")
	if !ok {
		t.Fatal("session s1 missing")
	}
	if n := sess.History().Len(); n != 2 {
		t.Errorf("History Len = %d, want user+assistant", n)
	}
}

func TestEngine_ChatEnhanced_UnknownProvider(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbChatEnhanced, "s1", `{"message":"x","enabledProviders":["bing"]}`)
	requireKind(t, resp, KindValidation)
	if !strings.Contains(resp.ErrorMessage, "enabledProviders") {
		t.Errorf("ErrorMessage = %q, want mention of enabledProviders", resp.ErrorMessage)
	}
}

func TestEngine_Zoom_UpdatesState(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbZoom, "s1", `{"level":"text"}`)
	requireSuccess(t, resp)
	res := resp.Result.(navResult)
	if res.State.Zoom != types.ZoomText {
		t.Errorf("result state Zoom = %s, want text", res.State.Zoom)
	}
	if resp.ZPTState == nil || resp.ZPTState.Zoom != types.ZoomText {
		t.Errorf("envelope ZPTState = %+v, want zoom text", resp.ZPTState)
	}

	after := f.dispatch(t, VerbState, "s1", "")
	requireSuccess(t, after)
	st := after.Result.(types.NavigationState)
	if st.Zoom != types.ZoomText {
		t.Errorf("state verb Zoom = %s, want text", st.Zoom)
	}
}

func TestEngine_Zoom_InvalidLevel(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbZoom, "s1", `{"level":"cosmic"}`)
	requireKind(t, resp, KindValidation)
	if !strings.Contains(resp.ErrorMessage, "micro") {
		t.Errorf("ErrorMessage = %q, want the valid levels listed", resp.ErrorMessage)
	}
}

func TestEngine_Zoom_QueryPreview(t *testing.T) {
	f := newFixture(t)
	requireSuccess(t, f.dispatch(t, VerbTell, "s1", `{"content":"alpha preview fodder"}`))

	resp := f.dispatch(t, VerbZoom, "s1", `{"level":"corpus","query":"alpha"}`)
	requireSuccess(t, resp)
	res := resp.Result.(navResult)
	if len(res.Preview) == 0 {
		t.Error("Preview empty, want the stored record")
	}
}

func TestEngine_Tilt_UpdatesState(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbTilt, "s1", `{"style":"graph"}`)
	requireSuccess(t, resp)
	res := resp.Result.(navResult)
	if res.State.Tilt != types.TiltGraph {
		t.Errorf("Tilt = %s, want graph", res.State.Tilt)
	}

	bad := f.dispatch(t, VerbTilt, "s1", `{"style":"sideways"}`)
	requireKind(t, bad, KindValidation)
}

func TestEngine_Pan_MergesThenResets(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, VerbPan, "s1", `{"domains":["science"]}`)
	requireSuccess(t, resp)
	st := resp.Result.(navResult).State
	if len(st.Pan.Domains) != 1 || st.Pan.Domains[0] != "science" {
		t.Fatalf("Pan.Domains = %v, want [science]", st.Pan.Domains)
	}

	resp = f.dispatch(t, VerbPan, "s1", `{"keywords":["go"]}`)
	requireSuccess(t, resp)
	st = resp.Result.(navResult).State
	if len(st.Pan.Domains) != 1 || len(st.Pan.Keywords) != 1 {
		t.Fatalf("after merge Pan = %+v, want domains and keywords kept", st.Pan)
	}

	resp = f.dispatch(t, VerbPan, "s1", `{"reset":true,"domains":["art"]}`)
	requireSuccess(t, resp)
	st = resp.Result.(navResult).State
	if len(st.Pan.Domains) != 1 || st.Pan.Domains[0] != "art" || len(st.Pan.Keywords) != 0 {
		t.Errorf("after reset Pan = %+v, want only [art]", st.Pan)
	}
}

func TestEngine_Pan_ThresholdOutOfRange(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbPan, "s1", `{"threshold":-0.1}`)
	requireKind(t, resp, KindValidation)
}

func TestEngine_Inspect_System(t *testing.T) {
	f := newFixture(t)
	requireSuccess(t, f.dispatch(t, VerbTell, "s1", `{"content":"alpha system probe"}`))

	resp := f.dispatch(t, VerbInspect, "s1", `{"type":"system"}`)
	requireSuccess(t, resp)
	res := resp.Result.(systemReport)
	if res.IndexVectors != 1 {
		t.Errorf("IndexVectors = %d, want 1", res.IndexVectors)
	}
	if res.GraphConcepts != 2 {
		t.Errorf("GraphConcepts = %d, want 2", res.GraphConcepts)
	}
	if res.ActiveSessions < 1 {
		t.Errorf("ActiveSessions = %d, want at least 1", res.ActiveSessions)
	}
	if res.EmbeddingModel != "test-embed" || res.EmbeddingDimension != 3 {
		t.Errorf("embedding = %s/%d, want test-embed/3", res.EmbeddingModel, res.EmbeddingDimension)
	}
	want := []string{"hyde", "wikipedia", "wikidata"}
	if len(res.EnhancementProviders) != len(want) {
		t.Fatalf("EnhancementProviders = %v, want %v", res.EnhancementProviders, want)
	}
	for i := range want {
		if res.EnhancementProviders[i] != want[i] {
			t.Errorf("EnhancementProviders = %v, want %v", res.EnhancementProviders, want)
			break
		}
	}
}

func TestEngine_Inspect_Session(t *testing.T) {
	f := newFixture(t)
	requireSuccess(t, f.dispatch(t, VerbZoom, "s1", `{"level":"text"}`))

	resp := f.dispatch(t, VerbInspect, "s1", `{"type":"session"}`)
	requireSuccess(t, resp)
	res := resp.Result.(sessionReport)
	if res.SessionID != "s1" {
		t.Errorf("SessionID = %s, want s1", res.SessionID)
	}
	if res.State.Zoom != types.ZoomText {
		t.Errorf("State.Zoom = %s, want text", res.State.Zoom)
	}
	if res.HistoryMessages != 0 {
		t.Errorf("HistoryMessages = %d, want 0", res.HistoryMessages)
	}
}

func TestEngine_Inspect_SessionNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbInspect, "s1", `{"type":"session","target":"ghost"}`)
	requireKind(t, resp, KindNotFound)
	if resp.ErrorMessage != "not found" {
		t.Errorf("ErrorMessage = %q, want fixed not found", resp.ErrorMessage)
	}
}

func TestEngine_Inspect_Concept(t *testing.T) {
	f := newFixture(t)
	requireSuccess(t, f.dispatch(t, VerbTell, "s1", `{"content":"alpha first"}`))
	requireSuccess(t, f.dispatch(t, VerbTell, "s1", `{"content":"alpha second"}`))

	resp := f.dispatch(t, VerbInspect, "s1", `{"type":"concept","target":"alpha"}`)
	requireSuccess(t, resp)
	res := resp.Result.(conceptReport)
	if res.Label != "alpha" {
		t.Errorf("Label = %s", res.Label)
	}
	if res.Occurrences != 2 {
		t.Errorf("Occurrences = %d, want 2", res.Occurrences)
	}
	if len(res.Neighbors) == 0 || res.Neighbors[0].B != "beta" {
		t.Errorf("Neighbors = %v, want co-occurrence edge to beta", res.Neighbors)
	}
	if len(res.Community) != 2 {
		t.Errorf("Community = %v, want [alpha beta]", res.Community)
	}
}

func TestEngine_Inspect_ConceptNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbInspect, "s1", `{"type":"concept","target":"nonexistent"}`)
	requireKind(t, resp, KindNotFound)
}

func TestEngine_Inspect_Memory(t *testing.T) {
	f := newFixture(t)
	tellResp := f.dispatch(t, VerbTell, "s1", `{"content":"alpha record"}`)
	requireSuccess(t, tellResp)
	id := tellResp.Result.(tellResult).ID

	resp := f.dispatch(t, VerbInspect, "s1", fmt.Sprintf(`{"type":"memory","target":%q}`, id))
	requireSuccess(t, resp)
	res := resp.Result.(memoryReport)
	if res.Record == nil || res.Record.ID != id {
		t.Fatalf("Record = %+v, want id %s", res.Record, id)
	}
	if !res.HasEmbedding {
		t.Error("HasEmbedding = false, want true after eager tell")
	}
	if res.Record.Embedding != nil {
		t.Error("Record.Embedding leaked into the report")
	}
	if res.Faded {
		t.Error("Faded = true, want false")
	}
}

func TestEngine_Inspect_InvalidType(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbInspect, "s1", `{"type":"universe"}`)
	requireKind(t, resp, KindValidation)

	missing := f.dispatch(t, VerbInspect, "s1", `{}`)
	requireKind(t, missing, KindValidation)
}

func TestEngine_Inspect_ConceptRequiresTarget(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbInspect, "s1", `{"type":"concept"}`)
	requireKind(t, resp, KindValidation)
	if !strings.Contains(resp.ErrorMessage, "target") {
		t.Errorf("ErrorMessage = %q, want mention of target", resp.ErrorMessage)
	}
}

func TestEngine_Augment_ConceptsFromText(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbAugment, "s1", `{"target":"some text","operation":"concepts"}`)
	requireSuccess(t, resp)
	res := resp.Result.(conceptsResult)
	if len(res.Concepts) != 2 || res.Concepts[0] != "alpha" {
		t.Errorf("Concepts = %v, want [alpha beta]", res.Concepts)
	}
}

func TestEngine_Augment_GenerateEmbedding(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbAugment, "s1", `{"target":"some text","operation":"generate_embedding"}`)
	requireSuccess(t, resp)
	res := resp.Result.(embeddingResult)
	if res.Model != "test-embed" || res.Dimension != 3 {
		t.Errorf("result = %+v, want test-embed/3", res)
	}
}

func TestEngine_Augment_AnalyzeText(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbAugment, "s1", `{"target":"alpha is a test subject","operation":"analyze_text"}`)
	requireSuccess(t, resp)
	res := resp.Result.(analyzeResult)
	if len(res.Concepts) != 2 {
		t.Errorf("Concepts = %v, want 2", res.Concepts)
	}
	if res.Attributes["kind"] != "test subject" {
		t.Errorf("Attributes = %v, want kind=test subject", res.Attributes)
	}
	if res.WordCount != 5 {
		t.Errorf("WordCount = %d, want 5", res.WordCount)
	}
}

func TestEngine_Augment_ProcessLazyAll(t *testing.T) {
	f := newFixture(t)
	tellResp := f.dispatch(t, VerbTell, "s1", `{"content":"deferred alpha","lazy":true}`)
	requireSuccess(t, tellResp)
	id := tellResp.Result.(tellResult).ID

	resp := f.dispatch(t, VerbAugment, "s1", `{"target":"all","operation":"process_lazy"}`)
	requireSuccess(t, resp)
	res := resp.Result.(processedResult)
	if res.Processed != 1 {
		t.Fatalf("Processed = %d, want 1", res.Processed)
	}

	it, err := f.st.Get(context.Background(), "s1", id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	if it.Metadata.PendingProcessing {
		t.Error("record still pending after process_lazy")
	}
	if n, err := f.idx.Count(context.Background()); err != nil || n != 1 {
		t.Errorf("index Count = %d, %v; want 1", n, err)
	}
}

func TestEngine_Augment_ChunkPreviewForRawText(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbAugment, "s1",
		`{"target":"A short paragraph about nothing in particular.","operation":"chunk_documents"}`)
	requireSuccess(t, resp)
	res := resp.Result.(chunksResult)
	if res.Total == 0 || len(res.Chunks) == 0 {
		t.Fatalf("result = %+v, want at least one chunk", res)
	}
	if res.Chunks[0].Text == "" {
		t.Error("first chunk has empty text")
	}
}

func TestEngine_Augment_ConceptEmbeddings(t *testing.T) {
	f := newFixture(t)
	requireSuccess(t, f.dispatch(t, VerbTell, "s1", `{"content":"alpha seeds the graph"}`))

	resp := f.dispatch(t, VerbAugment, "s1", `{"target":"alpha and beta","operation":"concept_embeddings"}`)
	requireSuccess(t, resp)
	res := resp.Result.(conceptEmbeddingsResult)
	if res.Updated != 2 || res.Skipped != 0 {
		t.Fatalf("result = %+v, want 2 updated", res)
	}
	if n, ok := f.g.Node("alpha"); !ok || n.Embedding == nil {
		t.Error("alpha node missing embedding after backfill")
	}

	again := f.dispatch(t, VerbAugment, "s1", `{"target":"alpha and beta","operation":"concept_embeddings"}`)
	requireSuccess(t, again)
	res2 := again.Result.(conceptEmbeddingsResult)
	if res2.Updated != 0 || res2.Skipped != 2 {
		t.Errorf("second run = %+v, want all skipped", res2)
	}
}

func TestEngine_Augment_Relationships(t *testing.T) {
	f := newFixture(t)
	requireSuccess(t, f.dispatch(t, VerbTell, "s1", `{"content":"alpha first"}`))
	requireSuccess(t, f.dispatch(t, VerbTell, "s1", `{"content":"alpha second"}`))

	resp := f.dispatch(t, VerbAugment, "s1", `{"target":"alpha beta","operation":"relationships"}`)
	requireSuccess(t, resp)
	res := resp.Result.(relationshipsResult)
	if len(res.Concepts) != 2 {
		t.Fatalf("Concepts = %v, want 2", res.Concepts)
	}
	if len(res.Relationships) == 0 {
		t.Fatal("Relationships empty, want the co-occurrence edge")
	}
	edge := res.Relationships[0]
	if edge.A != "alpha" || edge.B != "beta" || edge.Weight <= 0 {
		t.Errorf("top edge = %+v, want alpha-beta with positive weight", edge)
	}
}

func TestEngine_Augment_UnknownOperation(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbAugment, "s1", `{"target":"x","operation":"transmute"}`)
	requireKind(t, resp, KindValidation)
	if !strings.Contains(resp.ErrorMessage, "operation") {
		t.Errorf("ErrorMessage = %q, want mention of operation", resp.ErrorMessage)
	}
}

func TestEngine_Augment_MissingTarget(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, VerbAugment, "s1", `{"operation":"concepts"}`)
	requireKind(t, resp, KindValidation)
}

func TestClassify_Kinds(t *testing.T) {
	live := context.Background()
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Minute))
	defer cancel()

	cases := []struct {
		name string
		ctx  context.Context
		err  error
		want ErrorKind
	}{
		{"validation", live, invalidf("content", "required"), KindValidation},
		{"wrapped validation", live, fmt.Errorf("verbs: tell: %w", invalidf("content", "required")), KindValidation},
		{"dimension", live, fmt.Errorf("embed: %w", &embeddings.DimensionError{Want: 3, Got: 2}), KindDimension},
		{"conflict", live, fmt.Errorf("store: %w", memory.ErrConflict), KindConflict},
		{"not found", live, fmt.Errorf("get: %w", store.ErrNotFound), KindNotFound},
		{"store unavailable", live, fmt.Errorf("flush: %w", rdf.ErrUnavailable), KindStoreUnavailable},
		{"providers exhausted", live, fmt.Errorf("complete: %w", resilience.ErrAllFailed), KindProviderUnavailable},
		{"provider timeout", live, fmt.Errorf("lookup: %w", context.DeadlineExceeded), KindProviderTimeout},
		{"verb deadline", expired, context.DeadlineExceeded, KindDeadlineExceeded},
		{"cancelled", live, fmt.Errorf("wait: %w", context.Canceled), KindCancelled},
		{"internal", live, errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		if got := classify(tc.ctx, tc.err); got != tc.want {
			t.Errorf("%s: classify() = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestPublicMessage_NeverLeaksInternals(t *testing.T) {
	secret := errors.New("password=hunter2 at fuseki.internal:3030")
	for _, kind := range []ErrorKind{
		KindProviderUnavailable, KindProviderTimeout, KindStoreUnavailable,
		KindNotFound, KindConflict, KindDeadlineExceeded, KindCancelled, KindInternal,
	} {
		msg := publicMessage(kind, secret)
		if strings.Contains(msg, "hunter2") || strings.Contains(msg, "fuseki") {
			t.Errorf("publicMessage(%s) leaked the underlying error: %q", kind, msg)
		}
		if msg == "" {
			t.Errorf("publicMessage(%s) empty", kind)
		}
	}

	if got := publicMessage(KindValidation, invalidf("content", "required")); got != "verbs: invalid content: required" {
		t.Errorf("validation message = %q", got)
	}
	dim := publicMessage(KindDimension, &embeddings.DimensionError{Want: 3, Got: 2})
	if !strings.Contains(dim, "got 2, want 3") {
		t.Errorf("dimension message = %q, want the mismatch spelled out", dim)
	}
}
