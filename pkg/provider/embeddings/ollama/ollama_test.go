package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/semem/pkg/provider/embeddings/ollama"
)

// unreachable is an address no test server listens on, for cases that
// must not touch the network.
const unreachable = "http://127.0.0.1:19999"

// embedServer fakes the /api/embed endpoint. Each input text answers
// with a vector from vecs (by position), and every decoded request is
// recorded for inspection.
type embedServer struct {
	*httptest.Server
	t        *testing.T
	vecs     [][]float32
	requests []embedCall
}

type embedCall struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

func newEmbedServer(t *testing.T, vecs [][]float32) *embedServer {
	t.Helper()
	es := &embedServer{t: t, vecs: vecs}
	es.Server = httptest.NewServer(http.HandlerFunc(es.handle))
	t.Cleanup(es.Close)
	return es
}

func (es *embedServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/api/embed" {
		es.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
		return
	}
	var call embedCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		es.t.Errorf("decode embed request: %v", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	es.requests = append(es.requests, call)

	out := es.vecs
	if len(out) > len(call.Input) {
		out = out[:len(call.Input)]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model":      call.Model,
		"embeddings": out,
	})
}

// TestNewRequiresModel verifies the constructor rejects a missing model
// name.
func TestNewRequiresModel(t *testing.T) {
	if _, err := ollama.New("", ""); err == nil {
		t.Fatal("New with empty model: error = nil, want error")
	}
}

// TestEmbedSingleText verifies Embed wraps the text in a one-element
// input array and hands back the first vector unchanged.
func TestEmbedSingleText(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3, 0.4}
	srv := newEmbedServer(t, [][]float32{want})

	p, err := ollama.New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := p.Embed(context.Background(), "mitochondria produce ATP")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if len(srv.requests) != 1 {
		t.Fatalf("server saw %d requests, want 1", len(srv.requests))
	}
	if req := srv.requests[0]; req.Model != "nomic-embed-text" || len(req.Input) != 1 {
		t.Errorf("request = %+v, want model nomic-embed-text with 1 input", req)
	}
	if len(got) != len(want) {
		t.Fatalf("vector length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("vector[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

// TestEmbedBatchKeepsOrder verifies one request carries the whole batch
// and results stay positionally aligned with the inputs.
func TestEmbedBatchKeepsOrder(t *testing.T) {
	vecs := [][]float32{
		{0.1, 0.2, 0.3},
		{0.4, 0.5, 0.6},
		{0.7, 0.8, 0.9},
	}
	srv := newEmbedServer(t, vecs)

	p, err := ollama.New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := p.EmbedBatch(context.Background(), []string{"chunk one", "chunk two", "chunk three"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	if len(srv.requests) != 1 {
		t.Fatalf("server saw %d requests, want 1 (batch must not fan out)", len(srv.requests))
	}
	if len(got) != len(vecs) {
		t.Fatalf("batch length = %d, want %d", len(got), len(vecs))
	}
	for i := range vecs {
		for j := range vecs[i] {
			if got[i][j] != vecs[i][j] {
				t.Errorf("vector[%d][%d] = %v, want %v", i, j, got[i][j], vecs[i][j])
			}
		}
	}
}

// TestEmbedBatchEmptyInput verifies an empty batch short-circuits
// without a network request.
func TestEmbedBatchEmptyInput(t *testing.T) {
	p, err := ollama.New(unreachable, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := p.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil) error = %v", err)
	}
	if got != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil", got)
	}
}

// TestDimensionsFromTable verifies recognised model names resolve their
// width offline, including tagged variants.
func TestDimensionsFromTable(t *testing.T) {
	cases := map[string]int{
		"nomic-embed-text":        768,
		"nomic-embed-text:latest": 768,
		"mxbai-embed-large":       1024,
		"all-minilm":              384,
	}
	for model, want := range cases {
		t.Run(model, func(t *testing.T) {
			p, err := ollama.New(unreachable, model)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := p.Dimensions(); got != want {
				t.Errorf("Dimensions() = %d, want %d", got, want)
			}
		})
	}
}

// TestDimensionsProbesUnknownModelOnce verifies an unknown model issues
// exactly one probe embed and caches the detected width.
func TestDimensionsProbesUnknownModelOnce(t *testing.T) {
	const dim = 512
	srv := newEmbedServer(t, [][]float32{make([]float32, dim)})

	p, err := ollama.New(srv.URL, "custom-embed")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := range 3 {
		if got := p.Dimensions(); got != dim {
			t.Errorf("Dimensions() call %d = %d, want %d", i, got, dim)
		}
	}
	if len(srv.requests) != 1 {
		t.Errorf("server saw %d probe requests, want 1", len(srv.requests))
	}
}

// TestDimensionsPinned verifies WithDimensions wins over both the table
// and the probe.
func TestDimensionsPinned(t *testing.T) {
	p, err := ollama.New(unreachable, "custom-model", ollama.WithDimensions(256))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := p.Dimensions(); got != 256 {
		t.Errorf("Dimensions() = %d, want pinned 256", got)
	}
}

// TestModelIDPassthrough verifies ModelID echoes the configured name and
// an empty base URL falls back to the local default.
func TestModelIDPassthrough(t *testing.T) {
	p, err := ollama.New("", "nomic-embed-text")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := p.ModelID(); got != "nomic-embed-text" {
		t.Errorf("ModelID() = %q, want nomic-embed-text", got)
	}
}

// TestEmbedErrors verifies transport failures, error statuses and
// unparseable bodies all surface as errors.
func TestEmbedErrors(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T) string
	}{
		{"server down", func(*testing.T) string { return unreachable }},
		{"http 500", func(t *testing.T) string {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model not found", http.StatusInternalServerError)
			}))
			t.Cleanup(srv.Close)
			return srv.URL
		}},
		{"malformed body", func(t *testing.T) string {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte("not-json"))
			}))
			t.Cleanup(srv.Close)
			return srv.URL
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := ollama.New(tc.setup(t), "nomic-embed-text",
				ollama.WithTimeout(500*time.Millisecond))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if _, err := p.Embed(context.Background(), "hello"); err == nil {
				t.Fatal("Embed() error = nil, want error")
			}
		})
	}
}

// TestEmbedHonoursContext verifies a hung server cannot outlive the
// caller's deadline.
func TestEmbedHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := ollama.New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := p.Embed(ctx, "hello"); err == nil {
		t.Fatal("Embed() error = nil, want deadline error")
	}
}
