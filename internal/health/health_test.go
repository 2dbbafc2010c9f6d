package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// probeReport mirrors the wire shape of the probe responses without
// reaching into the handler's internals.
type probeReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func getProbe(t *testing.T, h *Handler, path string) (int, probeReport) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	var rep probeReport
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return rec.Code, rep
}

// TestHealthzAlwaysOK verifies liveness answers 200 even when every
// readiness checker is broken: a process that serves HTTP is alive.
func TestHealthzAlwaysOK(t *testing.T) {
	h := New(Checker{Name: "store", Check: func(context.Context) error {
		return errors.New("endpoint unreachable")
	}})

	code, rep := getProbe(t, h, "/healthz")
	if code != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", code, http.StatusOK)
	}
	if rep.Status != "ok" {
		t.Errorf("healthz body status = %q, want ok", rep.Status)
	}
}

// TestHealthzContentType verifies probes answer JSON.
func TestHealthzContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	New().Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

// TestReadyzAllChecksPass verifies a green report when every checker
// returns nil.
func TestReadyzAllChecksPass(t *testing.T) {
	h := New(
		Checker{Name: "store", Check: func(context.Context) error { return nil }},
		Checker{Name: "index", Check: func(context.Context) error { return nil }},
	)

	code, rep := getProbe(t, h, "/readyz")
	if code != http.StatusOK {
		t.Errorf("readyz status = %d, want %d", code, http.StatusOK)
	}
	if rep.Status != "ok" {
		t.Errorf("report status = %q, want ok", rep.Status)
	}
	for _, name := range []string{"store", "index"} {
		if rep.Checks[name] != "ok" {
			t.Errorf("check %q = %q, want ok", name, rep.Checks[name])
		}
	}
}

// TestReadyzOneCheckFails verifies a single red checker turns the whole
// report red while the healthy one still reports ok.
func TestReadyzOneCheckFails(t *testing.T) {
	h := New(
		Checker{Name: "store", Check: func(context.Context) error {
			return errors.New("endpoint unreachable; 3 writes buffered")
		}},
		Checker{Name: "index", Check: func(context.Context) error { return nil }},
	)

	code, rep := getProbe(t, h, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if rep.Status != "fail" {
		t.Errorf("report status = %q, want fail", rep.Status)
	}
	if want := "fail: endpoint unreachable; 3 writes buffered"; rep.Checks["store"] != want {
		t.Errorf("store check = %q, want %q", rep.Checks["store"], want)
	}
	if rep.Checks["index"] != "ok" {
		t.Errorf("index check = %q, want ok", rep.Checks["index"])
	}
}

// TestReadyzNoCheckers verifies an empty handler is trivially ready.
func TestReadyzNoCheckers(t *testing.T) {
	code, rep := getProbe(t, New(), "/readyz")
	if code != http.StatusOK {
		t.Errorf("readyz status = %d, want %d", code, http.StatusOK)
	}
	if rep.Status != "ok" {
		t.Errorf("report status = %q, want ok", rep.Status)
	}
}

// TestReadyzEveryCheckReported verifies a multi-failure report carries
// one entry per checker, not just the first failure.
func TestReadyzEveryCheckReported(t *testing.T) {
	h := New(
		Checker{Name: "store", Check: func(context.Context) error {
			return errors.New("dial timeout")
		}},
		Checker{Name: "index", Check: func(context.Context) error {
			return errors.New("pool closed")
		}},
	)

	code, rep := getProbe(t, h, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if len(rep.Checks) != 2 {
		t.Fatalf("checks = %v, want 2 entries", rep.Checks)
	}
	if rep.Checks["store"] != "fail: dial timeout" {
		t.Errorf("store check = %q", rep.Checks["store"])
	}
	if rep.Checks["index"] != "fail: pool closed" {
		t.Errorf("index check = %q", rep.Checks["index"])
	}
}

// TestReadyzCancelledRequest verifies a checker that blocks on its
// context is unblocked by request cancellation and the report goes red.
func TestReadyzCancelledRequest(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
