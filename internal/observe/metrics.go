// Package observe provides application-wide observability primitives for
// Attune: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Attune metrics.
const meterName = "github.com/attunelabs/attune"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// TurnDuration tracks the wall time of a turn from start signal to
	// finalization. Use with attribute.String("role", ...).
	TurnDuration metric.Float64Histogram

	// DispatchDuration tracks how long the engine spends processing one
	// inbound event. Use with attribute.String("kind", ...).
	DispatchDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// EventsIngested counts classified upstream events. Use with attribute:
	//   attribute.String("kind", ...)
	EventsIngested metric.Int64Counter

	// TurnsFinalized counts finalized turns. Use with attributes:
	//   attribute.String("role", ...), attribute.String("reason", ...)
	TurnsFinalized metric.Int64Counter

	// RaceGuards counts absorbed race conditions. Use with attribute:
	//   attribute.String("kind", ...)
	RaceGuards metric.Int64Counter

	// RelayDeduplicated counts relay calls suppressed because the item id
	// was already forwarded. Use with attribute.String("role", ...).
	RelayDeduplicated metric.Int64Counter

	// RelayDropped counts finalized turns that could not be relayed. Use
	// with attribute.String("reason", ...).
	RelayDropped metric.Int64Counter

	// --- Gauges ---

	// PatienceThreshold reports the most recently computed silence
	// threshold in milliseconds.
	PatienceThreshold metric.Int64Gauge

	// BufferedEvents tracks the depth of the assistant-event hold-back
	// queue while a user turn is pending.
	BufferedEvents metric.Int64UpDownCounter

	// Subscribers tracks the number of connected observers across all
	// sessions.
	Subscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational turn timings.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("attune.turn.duration",
		metric.WithDescription("Wall time from turn start to finalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("attune.dispatch.duration",
		metric.WithDescription("Engine processing time per inbound event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("attune.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EventsIngested, err = m.Int64Counter("attune.events.ingested",
		metric.WithDescription("Total classified upstream events by kind."),
	); err != nil {
		return nil, err
	}
	if met.TurnsFinalized, err = m.Int64Counter("attune.turns.finalized",
		metric.WithDescription("Total finalized turns by role and finalization reason."),
	); err != nil {
		return nil, err
	}
	if met.RaceGuards, err = m.Int64Counter("attune.race_guards",
		metric.WithDescription("Total upstream race conditions absorbed by guard kind."),
	); err != nil {
		return nil, err
	}
	if met.RelayDeduplicated, err = m.Int64Counter("attune.relay.deduplicated",
		metric.WithDescription("Total relay calls suppressed as duplicates by role."),
	); err != nil {
		return nil, err
	}
	if met.RelayDropped, err = m.Int64Counter("attune.relay.dropped",
		metric.WithDescription("Total finalized turns not relayed, by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.PatienceThreshold, err = m.Int64Gauge("attune.patience.threshold",
		metric.WithDescription("Most recently computed adaptive silence threshold."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if met.BufferedEvents, err = m.Int64UpDownCounter("attune.buffered_events",
		metric.WithDescription("Assistant events held back while a user turn is pending."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("attune.subscribers",
		metric.WithDescription("Connected observers across all sessions."),
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

// RecordEvent records one classified upstream event.
func (m *Metrics) RecordEvent(ctx context.Context, kind string) {
	m.EventsIngested.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordTurnFinalized records a finalized turn with its duration and the
// reason finalization fired (completed, forced, fallback, truncated, failed).
func (m *Metrics) RecordTurnFinalized(ctx context.Context, role, reason string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("reason", reason),
	)
	m.TurnsFinalized.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordDispatch records one engine dispatch duration for an event kind.
func (m *Metrics) RecordDispatch(ctx context.Context, kind string, d time.Duration) {
	m.DispatchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordRaceGuard records one absorbed race condition.
func (m *Metrics) RecordRaceGuard(ctx context.Context, kind string) {
	m.RaceGuards.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordRelayDeduplicated records a suppressed duplicate relay.
func (m *Metrics) RecordRelayDeduplicated(ctx context.Context, role string) {
	m.RelayDeduplicated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordRelayDropped records a finalized turn that could not be relayed.
func (m *Metrics) RecordRelayDropped(ctx context.Context, reason string) {
	m.RelayDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordPatienceThreshold records the latest adaptive silence threshold.
func (m *Metrics) RecordPatienceThreshold(ctx context.Context, threshold time.Duration) {
	m.PatienceThreshold.Record(ctx, threshold.Milliseconds())
}
