package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog routes the default logger into a buffer for the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartSpan_NamesSpanAndSetsCorrelationID(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartSpan(context.Background(), "backend POST /end-call")
	cid := CorrelationID(ctx)
	span.End()

	if _, err := hex.DecodeString(cid); err != nil || len(cid) != 32 {
		t.Errorf("correlation ID %q is not a 32-char hex trace id", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "backend POST /end-call" {
		t.Fatalf("spans = %v", spans)
	}
	if got := spans[0].SpanContext.TraceID().String(); got != cid {
		t.Errorf("exported trace id %q != correlation ID %q", got, cid)
	}
}

func TestCorrelationID_UniquePerRootSpan(t *testing.T) {
	useTracer(t)
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q", got)
	}

	seen := make(map[string]bool, 50)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "poll")
		cid := CorrelationID(ctx)
		span.End()
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger_Attributes(t *testing.T) {
	useTracer(t)
	spanCtx, span := StartSpan(context.Background(), "call")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     context.Background(),
			notWant: []string{"session_id=", "trace_id=", "span_id="},
		},
		{
			name:    "session only",
			ctx:     WithSession(context.Background(), "call-42"),
			want:    []string{"session_id=call-42"},
			notWant: []string{"trace_id="},
		},
		{
			name: "session and span",
			ctx:  WithSession(spanCtx, "call-42"),
			want: []string{"session_id=call-42", "trace_id=" + CorrelationID(spanCtx), "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)
			Logger(tt.ctx).Info("link: socket open")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q unexpectedly contains %q", out, w)
				}
			}
		})
	}
}

func TestInjectHeaders(t *testing.T) {
	useTracer(t)
	ctx, span := StartSpan(context.Background(), "backend POST /report")
	defer span.End()

	t.Run("with session", func(t *testing.T) {
		h := http.Header{}
		InjectHeaders(WithSession(ctx, "call-7"), h)
		if got := h.Get("X-Session-ID"); got != "call-7" {
			t.Errorf("X-Session-ID = %q, want call-7", got)
		}
		traceID := trace.SpanContextFromContext(ctx).TraceID().String()
		if tp := h.Get("traceparent"); !strings.Contains(tp, traceID) {
			t.Errorf("traceparent %q does not carry trace id %s", tp, traceID)
		}
	})

	t.Run("without session or span", func(t *testing.T) {
		h := http.Header{}
		InjectHeaders(context.Background(), h)
		if len(h) != 0 {
			t.Errorf("headers = %v, want none", h)
		}
		if SessionID(context.Background()) != "" {
			t.Error("SessionID of empty context should be empty")
		}
	})
}
