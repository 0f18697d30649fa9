// Package observe provides the observability primitives shared by chatstream
// packages: OpenTelemetry metrics, distributed tracing, trace-aware structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so they can be scraped from a
// /metrics endpoint. A package-level [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all chatstream metrics.
const meterName = "github.com/MrWong99/chatstream"

// Round outcomes used as the "outcome" attribute.
const (
	OutcomeOK    = "ok"
	OutcomeAbort = "abort"
	OutcomeError = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// RoundDuration tracks the wall time of a round from submission to its
	// terminal status. Use with attribute.String("outcome", ...).
	RoundDuration metric.Float64Histogram

	// FirstDelta tracks the time from submission to the first decoded delta.
	FirstDelta metric.Float64Histogram

	// --- Counters ---

	// Rounds counts finished rounds. Use with attribute.String("outcome", ...).
	Rounds metric.Int64Counter

	// Deltas counts accumulated SSE payloads.
	Deltas metric.Int64Counter

	// ToolNotifications counts tool-call notifications. Use with
	// attribute.String("status", ...).
	ToolNotifications metric.Int64Counter

	// TransportErrors counts failed rounds by kind: "http", "protocol",
	// "network", or "disconnect".
	TransportErrors metric.Int64Counter

	// SSESkipped counts data payloads dropped because they were not JSON.
	SSESkipped metric.Int64Counter

	// Failovers counts requests moved to the next endpoint by reason.
	Failovers metric.Int64Counter

	// --- Gauges ---

	// ActiveRounds tracks rounds currently submitted or streaming.
	ActiveRounds metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// completion round trips, which run from tens of milliseconds to minutes.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RoundDuration, err = m.Float64Histogram("chatstream.round.duration",
		metric.WithDescription("Wall time of a chat round by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstDelta, err = m.Float64Histogram("chatstream.round.first_delta",
		metric.WithDescription("Time from submission to the first streamed delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Rounds, err = m.Int64Counter("chatstream.rounds",
		metric.WithDescription("Total finished rounds by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Deltas, err = m.Int64Counter("chatstream.deltas",
		metric.WithDescription("Total streamed deltas accumulated."),
	); err != nil {
		return nil, err
	}
	if met.ToolNotifications, err = m.Int64Counter("chatstream.tool_notifications",
		metric.WithDescription("Total tool-call notifications by status."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("chatstream.transport.errors",
		metric.WithDescription("Total failed rounds by error kind."),
	); err != nil {
		return nil, err
	}
	if met.SSESkipped, err = m.Int64Counter("chatstream.sse.skipped",
		metric.WithDescription("Total event payloads dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.Failovers, err = m.Int64Counter("chatstream.transport.failovers",
		metric.WithDescription("Total requests moved past a failing endpoint, by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRounds, err = m.Int64UpDownCounter("chatstream.active_rounds",
		metric.WithDescription("Number of rounds currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chatstream.http.request.duration",
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

// RecordRound records the duration and outcome of a finished round.
func (m *Metrics) RecordRound(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Rounds.Add(ctx, 1, attrs)
	m.RoundDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordToolNotification records a tool-call notification with its status
// ("ok" or "error").
func (m *Metrics) RecordToolNotification(ctx context.Context, status string) {
	m.ToolNotifications.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordFailover records a request leaving an endpoint for the next one.
// reason is "error", "status" or "circuit_open".
func (m *Metrics) RecordFailover(ctx context.Context, reason string) {
	m.Failovers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTransportError records a failed round of the given kind.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
