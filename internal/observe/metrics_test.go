package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
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

// sumWhere returns the value of the int64 sum data point carrying key=value,
// or -1 when none does.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPlainCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	counters := []struct {
		name string
		c    metric.Int64Counter
	}{
		{"callwire.capture.frames_sent", m.FramesSent},
		{"callwire.playback.chunks_received", m.ChunksReceived},
		{"callwire.playback.chunks_played", m.ChunksPlayed},
		{"callwire.playback.decode_errors", m.DecodeErrors},
		{"callwire.playback.buffer_clears", m.BufferClears},
	}
	for _, tc := range counters {
		tc.c.Add(ctx, 1)
		tc.c.Add(ctx, 2)
	}

	rm := collect(t, reader)
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no sum data", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != 3 {
				t.Errorf("value = %d, want 3", got)
			}
		})
	}
}

func TestRecordFrameDropped(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameDropped(ctx, DropMuted)
	m.RecordFrameDropped(ctx, DropMuted)
	m.RecordFrameDropped(ctx, DropLinkDown)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "callwire.capture.frames_dropped", "reason", DropMuted); got != 2 {
		t.Errorf("muted drops = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "callwire.capture.frames_dropped", "reason", DropLinkDown); got != 1 {
		t.Errorf("link_down drops = %d, want 1", got)
	}
}

func TestRecordSocketEvent(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSocketEvent(ctx, "audio-in", "open")
	m.RecordSocketEvent(ctx, "audio-out", "close")
	m.RecordSocketEvent(ctx, "audio-out", "close")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "callwire.link.socket_events", "event", "close"); got != 2 {
		t.Errorf("close events = %d, want 2", got)
	}
}

func TestRecordBackendRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBackendRequest(ctx, "end-call", "ok", 0.12)
	m.RecordBackendRequest(ctx, "end-call", "error", 0.5)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "callwire.backend.requests", "status", "ok"); got != 1 {
		t.Errorf("ok requests = %d, want 1", got)
	}
	met := findMetric(rm, "callwire.backend.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("duration metric has no histogram data")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestRecordReportPoll(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReportPoll(ctx, "processing")
	m.RecordReportPoll(ctx, "processing")
	m.RecordReportPoll(ctx, "complete")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "callwire.report.polls", "result", "processing"); got != 2 {
		t.Errorf("processing polls = %d, want 2", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.QueueDepth.Add(ctx, 3)
	m.QueueDepth.Add(ctx, -1)
	m.ActiveCalls.Add(ctx, 1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"callwire.playback.queue_depth", 2},
		{"callwire.active_calls", 1},
	}
	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no sum data", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
