package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// manualMetrics returns a Metrics instance whose instruments flush into a
// ManualReader, so tests can collect and assert on recorded values.
func manualMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumPoint returns the value of the int64 sum datapoint whose attributes
// include attrKey=attrVal, or fails. Empty attrKey matches the first point.
func sumPoint(t *testing.T, rm metricdata.ResourceMetrics, name, attrKey, attrVal string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	for _, dp := range sum.DataPoints {
		if attrKey == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == attrKey && kv.Value.AsString() == attrVal {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no datapoint with %s=%s", name, attrKey, attrVal)
	return 0
}

// histCount returns the sample count of the first datapoint of a float64
// histogram, or fails.
func histCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is %T, want Histogram[float64]", name, met.Data)
	}
	if len(hist.DataPoints) == 0 {
		t.Fatalf("metric %q has no data points", name)
	}
	return hist.DataPoints[0].Count
}

func TestDurationHistograms(t *testing.T) {
	m, reader := manualMetrics(t)
	ctx := context.Background()

	histograms := map[string]metric.Float64Histogram{
		"semem.verb.duration":        m.VerbDuration,
		"semem.ask.branch.duration":  m.BranchDuration,
		"semem.provider.duration":    m.ProviderDuration,
		"semem.store.flush.duration": m.FlushDuration,
	}
	for _, h := range histograms {
		h.Record(ctx, 0.123)
		h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)
	for name := range histograms {
		t.Run(name, func(t *testing.T) {
			if got := histCount(t, rm, name); got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordVerbCountsByStatus(t *testing.T) {
	m, reader := manualMetrics(t)
	ctx := context.Background()

	m.RecordVerb(ctx, "ask", "ok", 120*time.Millisecond)
	m.RecordVerb(ctx, "ask", "ok", 80*time.Millisecond)
	m.RecordVerb(ctx, "ask", "validation", time.Millisecond)

	rm := collect(t, reader)
	if got := sumPoint(t, rm, "semem.verb.calls", "status", "ok"); got != 2 {
		t.Errorf("ok calls = %d, want 2", got)
	}
	if got := sumPoint(t, rm, "semem.verb.calls", "status", "validation"); got != 1 {
		t.Errorf("validation calls = %d, want 1", got)
	}
}

func TestRecordCacheLookupOutcomes(t *testing.T) {
	m, reader := manualMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, "wikipedia", true)
	m.RecordCacheLookup(ctx, "wikipedia", true)
	m.RecordCacheLookup(ctx, "wikipedia", false)

	rm := collect(t, reader)
	if got := sumPoint(t, rm, "semem.enhancement.cache.lookups", "outcome", "hit"); got != 2 {
		t.Errorf("hits = %d, want 2", got)
	}
	if got := sumPoint(t, rm, "semem.enhancement.cache.lookups", "outcome", "miss"); got != 1 {
		t.Errorf("misses = %d, want 1", got)
	}
}

func TestRecordProviderError(t *testing.T) {
	m, reader := manualMetrics(t)

	m.RecordProviderError(context.Background(), "ollama", "embeddings")

	rm := collect(t, reader)
	if got := sumPoint(t, rm, "semem.provider.errors", "provider", "ollama"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestRecordFlushAllResults(t *testing.T) {
	m, reader := manualMetrics(t)
	ctx := context.Background()

	m.RecordFlush(ctx, "ok", 40*time.Millisecond)
	m.RecordFlush(ctx, "unavailable", 5*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "semem.store.flushes")
	if met == nil {
		t.Fatal("semem.store.flushes not recorded")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("semem.store.flushes is %T, want Sum[int64]", met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("flush count across results = %d, want 2", total)
	}
}

func TestGaugesAccumulate(t *testing.T) {
	m, reader := manualMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.IndexSize.Add(ctx, 128)
	m.GraphEdges.Add(ctx, 64)
	m.BufferedWrites.Add(ctx, 3)
	m.BufferedWrites.Add(ctx, -3)

	rm := collect(t, reader)
	gauges := map[string]int64{
		"semem.active_sessions":       2,
		"semem.index.size":            128,
		"semem.graph.edges":           64,
		"semem.store.buffered_writes": 0,
	}
	for name, want := range gauges {
		t.Run(name, func(t *testing.T) {
			if got := sumPoint(t, rm, name, "", ""); got != want {
				t.Errorf("gauge value = %d, want %d", got, want)
			}
		})
	}
}

func TestHTTPRequestDurationInstrument(t *testing.T) {
	m, reader := manualMetrics(t)

	m.HTTPRequestDuration.Record(context.Background(), 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	if got := histCount(t, rm, "semem.http.request.duration"); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	if a, b := DefaultMetrics(), DefaultMetrics(); a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
