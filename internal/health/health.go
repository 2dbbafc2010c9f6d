// Package health serves the liveness and readiness probes on the
// observability listener.
//
// Liveness (/healthz) answers 200 whenever the process can serve HTTP at
// all. Readiness (/readyz) walks the registered checkers and answers 503
// with a per-checker report while any of them fails, notably while the
// persistent store runs degraded, because buffered writes would not
// survive a restart.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"
)

// probeBudget bounds one checker invocation. A hung dependency must not
// stall the whole readiness response.
const probeBudget = 5 * time.Second

// Checker is one named readiness probe. Check returns nil while the
// dependency can serve and an error describing the problem otherwise; it
// must honour ctx cancellation.
type Checker struct {
	// Name keys the probe in the JSON report ("store", "index").
	Name string

	Check func(ctx context.Context) error
}

// Handler answers the health endpoints. The checker list is fixed at
// construction, so the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler that evaluates the given checkers, in order, on
// every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// report is the response body of both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz is the liveness probe. It answers 200 unconditionally.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every registered checker under its probe budget and
// answers 200 only when all of them pass. Failures report per checker so
// an operator can tell a dead store from a dead index at a glance.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	code := http.StatusOK

	for _, c := range h.checkers {
		if err := runCheck(r.Context(), c); err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		rep.Checks[c.Name] = "ok"
	}

	respond(w, code, rep)
}

func runCheck(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, probeBudget)
	defer cancel()
	return c.Check(ctx)
}

// respond writes v as JSON. An encoding failure degrades to a plain 500;
// there is nothing better to say at that point.
func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
