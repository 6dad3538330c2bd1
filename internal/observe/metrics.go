// Package observe provides the observability primitives for callwire:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP middleware
// for the local control server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed in
// Prometheus format via [InitProvider]. A package-level default [Metrics]
// instance ([DefaultMetrics]) is used when a component is not given one; tests
// should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callwire metrics.
const meterName = "github.com/MrWong99/callwire"

// Frame drop reasons recorded on [Metrics.FramesDropped].
const (
	DropMuted    = "muted"
	DropLinkDown = "link_down"
)

// Metrics holds all OpenTelemetry instruments for the application. The
// instruments are safe for concurrent use.
type Metrics struct {
	// --- Outbound capture ---

	// FramesSent counts microphone frames handed to the audio-in socket.
	FramesSent metric.Int64Counter

	// FramesDropped counts discarded microphone frames. Use with attribute:
	//   attribute.String("reason", DropMuted|DropLinkDown)
	FramesDropped metric.Int64Counter

	// --- Inbound playback ---

	// ChunksReceived counts decoded chunks appended to the playback queue.
	ChunksReceived metric.Int64Counter

	// ChunksPlayed counts chunks that finished playing without interruption.
	ChunksPlayed metric.Int64Counter

	// DecodeErrors counts binary messages that failed to decode.
	DecodeErrors metric.Int64Counter

	// BufferClears counts playback buffer clears.
	BufferClears metric.Int64Counter

	// QueueDepth tracks the number of chunks waiting to play.
	QueueDepth metric.Int64UpDownCounter

	// --- Sockets ---

	// SocketEvents counts socket lifecycle events. Use with attributes:
	//   attribute.String("role", ...), attribute.String("event", "open"|"error"|"close")
	SocketEvents metric.Int64Counter

	// Reconnects counts scheduled reconnect attempts by role.
	Reconnects metric.Int64Counter

	// --- Backend HTTP ---

	// BackendRequests counts backend calls. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// BackendDuration tracks backend call latency by endpoint.
	BackendDuration metric.Float64Histogram

	// ReportPolls counts job-status polls by result.
	ReportPolls metric.Int64Counter

	// ActiveCalls tracks calls between start and teardown.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control server request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("action", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for backend round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesSent, "callwire.capture.frames_sent", "Microphone frames sent to the backend."},
		{&met.FramesDropped, "callwire.capture.frames_dropped", "Microphone frames discarded by reason."},
		{&met.ChunksReceived, "callwire.playback.chunks_received", "Decoded audio chunks queued for playback."},
		{&met.ChunksPlayed, "callwire.playback.chunks_played", "Audio chunks played to completion."},
		{&met.DecodeErrors, "callwire.playback.decode_errors", "Inbound audio chunks that failed to decode."},
		{&met.BufferClears, "callwire.playback.buffer_clears", "Playback buffer clears."},
		{&met.SocketEvents, "callwire.link.socket_events", "Socket lifecycle events by role and event."},
		{&met.Reconnects, "callwire.link.reconnects", "Scheduled socket reconnects by role."},
		{&met.BackendRequests, "callwire.backend.requests", "Backend HTTP requests by endpoint and status."},
		{&met.ReportPolls, "callwire.report.polls", "Report job status polls by result."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("callwire.playback.queue_depth",
		metric.WithDescription("Audio chunks waiting to play."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("callwire.active_calls",
		metric.WithDescription("Calls currently in progress."),
	); err != nil {
		return nil, err
	}

	if met.BackendDuration, err = m.Float64Histogram("callwire.backend.duration",
		metric.WithDescription("Latency of backend HTTP requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callwire.http.request.duration",
		metric.WithDescription("Control server request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped increments FramesDropped for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSocketEvent increments SocketEvents for a role and lifecycle event.
func (m *Metrics) RecordSocketEvent(ctx context.Context, role, event string) {
	m.SocketEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("event", event),
		),
	)
}

// RecordBackendRequest records one backend call with its outcome and latency.
func (m *Metrics) RecordBackendRequest(ctx context.Context, endpoint, status string, seconds float64) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
	m.BackendDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordReportPoll increments ReportPolls for result.
func (m *Metrics) RecordReportPoll(ctx context.Context, result string) {
	m.ReportPolls.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
