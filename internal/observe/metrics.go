// Package observe carries the server's telemetry: OpenTelemetry metrics,
// the decode stream spans, trace-aware logging, and the HTTP middleware
// that labels requests by route.
//
// [InitProvider] installs the global providers and a dedicated Prometheus
// registry scraped at /metrics. [DefaultMetrics] builds the instruments on
// the global meter provider; tests use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all xdecoder metrics.
const meterName = "github.com/ASLP-AI/xdecoder"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks the number of open decoding sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PoolLeased tracks the number of decoding contexts currently leased.
	PoolLeased metric.Int64UpDownCounter

	// --- Latency histograms ---

	// EngineDuration tracks the latency of one engine job (feed+poll or
	// finalize+poll). Use with attribute:
	//   attribute.String("op", ...)
	EngineDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// PoolRejections counts lease attempts refused by admission control.
	// Use with attribute:
	//   attribute.String("policy", ...)
	PoolRejections metric.Int64Counter

	// Results counts results sent to clients. Use with attribute:
	//   attribute.String("status", ...)
	Results metric.Int64Counter

	// --- Error counters ---

	// ProtocolErrors counts malformed inbound frames and misuse of a
	// session. Use with attribute:
	//   attribute.String("kind", ...)
	ProtocolErrors metric.Int64Counter

	// PersistErrors counts failures to record finished sessions. Use with
	// attribute:
	//   attribute.String("stage", ...)
	PersistErrors metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for per-chunk decoding latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("xdecoder.active_sessions",
		metric.WithDescription("Number of open decoding sessions."),
	); err != nil {
		return nil, err
	}
	if met.PoolLeased, err = m.Int64UpDownCounter("xdecoder.pool.leased",
		metric.WithDescription("Number of decoding contexts currently leased."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.EngineDuration, err = m.Float64Histogram("xdecoder.engine.duration",
		metric.WithDescription("Latency of engine jobs by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("xdecoder.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PoolRejections, err = m.Int64Counter("xdecoder.pool.rejections",
		metric.WithDescription("Total lease attempts refused by admission control."),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("xdecoder.results",
		metric.WithDescription("Total results sent to clients by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolErrors, err = m.Int64Counter("xdecoder.protocol.errors",
		metric.WithDescription("Total protocol errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.PersistErrors, err = m.Int64Counter("xdecoder.persist.errors",
		metric.WithDescription("Total persistence failures by stage."),
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

// RecordResult counts one result sent to a client.
func (m *Metrics) RecordResult(ctx context.Context, status string) {
	m.Results.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProtocolError counts one protocol error of the given kind.
func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPersistError counts one persistence failure at the given stage
// ("audio" or "history").
func (m *Metrics) RecordPersistError(ctx context.Context, stage string) {
	m.PersistErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordRejection counts one lease refused under the given admission policy.
func (m *Metrics) RecordRejection(ctx context.Context, policy string) {
	m.PoolRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
}

// RecordEngine records the latency of one engine job.
func (m *Metrics) RecordEngine(ctx context.Context, op string, seconds float64) {
	m.EngineDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("op", op)))
}
