// Package observe provides application-wide observability primitives for
// Voicecast: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voicecast metrics.
const meterName = "github.com/Telegamez/voicecast"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Broadcast lifecycle counters ---

	// ResponsesStarted counts AI responses that entered buffering.
	ResponsesStarted metric.Int64Counter

	// ResponsesCompleted counts responses that finished normally.
	ResponsesCompleted metric.Int64Counter

	// ResponsesCancelled counts responses cancelled by interruption or
	// replacement.
	ResponsesCancelled metric.Int64Counter

	// ChunksBroadcast counts individual (chunk, peer) deliveries handed to
	// the transport.
	ChunksBroadcast metric.Int64Counter

	// CatchUps counts late-joiner history replays.
	CatchUps metric.Int64Counter

	// SendDrops counts chunks dropped by the transport because a peer's
	// outbound queue was full.
	SendDrops metric.Int64Counter

	// ProviderErrors counts voice-provider stream errors. Use with
	// attribute.String("provider", ...).
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRooms tracks the number of rooms currently managed by the
	// broadcast engine.
	ActiveRooms metric.Int64UpDownCounter

	// ActivePeers tracks the number of connected peers across all rooms.
	ActivePeers metric.Int64UpDownCounter

	// --- Histograms ---

	// FlushSize records how many chunks were queued when a broadcast left
	// the buffering phase.
	FlushSize metric.Int64Histogram

	// BufferWait records the time a response spent buffering before its
	// first chunk reached a peer.
	BufferWait metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// waitBuckets defines histogram bucket boundaries (in seconds) optimised for
// buffering waits, which sit between tens of milliseconds and a few seconds.
var waitBuckets = []float64{
	0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 2, 3, 5,
}

// flushBuckets defines bucket boundaries for the pending-queue flush size.
var flushBuckets = []float64{
	1, 2, 5, 10, 20, 50, 100,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.ResponsesStarted, err = m.Int64Counter("voicecast.responses.started",
		metric.WithDescription("Total AI responses that entered buffering."),
	); err != nil {
		return nil, err
	}
	if met.ResponsesCompleted, err = m.Int64Counter("voicecast.responses.completed",
		metric.WithDescription("Total AI responses that finished normally."),
	); err != nil {
		return nil, err
	}
	if met.ResponsesCancelled, err = m.Int64Counter("voicecast.responses.cancelled",
		metric.WithDescription("Total AI responses cancelled by interruption or replacement."),
	); err != nil {
		return nil, err
	}
	if met.ChunksBroadcast, err = m.Int64Counter("voicecast.chunks.broadcast",
		metric.WithDescription("Total per-peer chunk deliveries handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.CatchUps, err = m.Int64Counter("voicecast.catchups",
		metric.WithDescription("Total late-joiner history replays."),
	); err != nil {
		return nil, err
	}
	if met.SendDrops, err = m.Int64Counter("voicecast.send.drops",
		metric.WithDescription("Total chunks dropped because a peer's outbound queue was full."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicecast.provider.errors",
		metric.WithDescription("Total voice-provider stream errors by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRooms, err = m.Int64UpDownCounter("voicecast.active_rooms",
		metric.WithDescription("Number of rooms currently managed by the broadcast engine."),
	); err != nil {
		return nil, err
	}
	if met.ActivePeers, err = m.Int64UpDownCounter("voicecast.active_peers",
		metric.WithDescription("Number of connected peers across all rooms."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.FlushSize, err = m.Int64Histogram("voicecast.flush.size",
		metric.WithDescription("Chunks queued when a broadcast left the buffering phase."),
		metric.WithUnit("{chunk}"),
		metric.WithExplicitBucketBoundaries(flushBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BufferWait, err = m.Float64Histogram("voicecast.buffer.wait",
		metric.WithDescription("Time a response spent buffering before broadcasting started."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(waitBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicecast.http.request.duration",
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

// RecordProviderError is a convenience method that records a voice-provider
// error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
