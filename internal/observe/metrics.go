// Package observe provides application-wide observability primitives for
// Semem: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Semem metrics.
const meterName = "github.com/MrWong99/semem"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// VerbDuration tracks end-to-end verb latency. Use with attributes:
	//   attribute.String("verb", ...), attribute.String("status", ...)
	VerbDuration metric.Float64Histogram

	// BranchDuration tracks ask-branch latency. Use with attribute:
	//   attribute.String("branch", ...) — "local" or "enhancement"
	BranchDuration metric.Float64Histogram

	// ProviderDuration tracks provider call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderDuration metric.Float64Histogram

	// FlushDuration tracks write-behind flush latency against the RDF
	// endpoint.
	FlushDuration metric.Float64Histogram

	// --- Counters ---

	// VerbCalls counts verb invocations. Use with attributes:
	//   attribute.String("verb", ...), attribute.String("status", ...)
	VerbCalls metric.Int64Counter

	// CacheLookups counts enhancement cache consultations. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("outcome", ...) — "hit" or "miss"
	CacheLookups metric.Int64Counter

	// StoreFlushes counts write-behind flushes. Use with attribute:
	//   attribute.String("status", ...)
	StoreFlushes metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live memory sessions.
	ActiveSessions metric.Int64UpDownCounter

	// IndexSize tracks the number of vectors in the in-memory index.
	IndexSize metric.Int64UpDownCounter

	// GraphEdges tracks the number of edges in the concept graph.
	GraphEdges metric.Int64UpDownCounter

	// BufferedWrites tracks records waiting in session write buffers.
	BufferedWrites metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Verbs may
// legitimately run tens of seconds when providers are slow, so the ladder
// extends to the 30 s verb deadline.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.VerbDuration, err = m.Float64Histogram("semem.verb.duration",
		metric.WithDescription("End-to-end verb latency by verb and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BranchDuration, err = m.Float64Histogram("semem.ask.branch.duration",
		metric.WithDescription("Latency of the local and enhancement ask branches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("semem.provider.duration",
		metric.WithDescription("Latency of provider calls by provider and kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FlushDuration, err = m.Float64Histogram("semem.store.flush.duration",
		metric.WithDescription("Latency of write-behind flushes to the RDF endpoint."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.VerbCalls, err = m.Int64Counter("semem.verb.calls",
		metric.WithDescription("Total verb invocations by verb and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("semem.enhancement.cache.lookups",
		metric.WithDescription("Enhancement cache consultations by provider and outcome."),
	); err != nil {
		return nil, err
	}
	if met.StoreFlushes, err = m.Int64Counter("semem.store.flushes",
		metric.WithDescription("Write-behind flushes by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("semem.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("semem.active_sessions",
		metric.WithDescription("Number of live memory sessions."),
	); err != nil {
		return nil, err
	}
	if met.IndexSize, err = m.Int64UpDownCounter("semem.index.size",
		metric.WithDescription("Number of vectors in the in-memory index."),
	); err != nil {
		return nil, err
	}
	if met.GraphEdges, err = m.Int64UpDownCounter("semem.graph.edges",
		metric.WithDescription("Number of edges in the concept graph."),
	); err != nil {
		return nil, err
	}
	if met.BufferedWrites, err = m.Int64UpDownCounter("semem.store.buffered_writes",
		metric.WithDescription("Records waiting in session write buffers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("semem.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordVerb records one verb invocation: a call counter increment and a
// latency sample, both tagged with the verb name and outcome status.
func (m *Metrics) RecordVerb(ctx context.Context, verb, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("verb", verb),
		attribute.String("status", status),
	)
	m.VerbCalls.Add(ctx, 1, attrs)
	m.VerbDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordCacheLookup records one enhancement cache consultation.
func (m *Metrics) RecordCacheLookup(ctx context.Context, provider string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordFlush records one write-behind flush with its outcome and duration.
func (m *Metrics) RecordFlush(ctx context.Context, status string, d time.Duration) {
	m.StoreFlushes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.FlushDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}
