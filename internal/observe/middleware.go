package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for the call a control request acts on.
const (
	AttrSessionID   = attribute.Key("callwire.session.id")
	AttrCallAction  = attribute.Key("callwire.call.action")
	AttrPhaseBefore = attribute.Key("callwire.call.phase_before")
	AttrPhaseAfter  = attribute.Key("callwire.call.phase_after")
)

// CallInfo identifies the call behind the control server.
type CallInfo struct {
	SessionID string
	Phase     string
}

// actions maps control routes to the call action they perform. Anything
// else is reported as "other" so unknown paths never widen metric labels.
var actions = map[string]string{
	"/call/start": "start",
	"/call/audio": "toggle_audio",
	"/call/video": "toggle_video",
	"/call/end":   "end_call",
	"/call/exit":  "exit",
	"/status":     "status",
	"/healthz":    "health",
	"/readyz":     "health",
	"/metrics":    "metrics",
}

// quietActions are polled by probes, scrapers and the status command; their
// successful completions log at debug.
var quietActions = map[string]bool{
	"status":  true,
	"health":  true,
	"metrics": true,
}

func actionFor(path string) string {
	if a, ok := actions[path]; ok {
		return a
	}
	return "other"
}

// statusRecorder captures the status code written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps the control server handlers. Each request runs under the
// call's session id, gets a server span continued from any incoming W3C trace
// context and an X-Correlation-ID response header. The span and the
// completion log carry the call action and the phase before and after the
// request; [Metrics.HTTPRequestDuration] is sampled per action and status.
//
// call may be nil, in which case no call attributes are attached.
func Middleware(m *Metrics, call func() CallInfo) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			action := actionFor(r.URL.Path)

			var before CallInfo
			if call != nil {
				before = call()
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if before.SessionID != "" {
				ctx = WithSession(ctx, before.SessionID)
			}
			attrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				AttrCallAction.String(action),
			}
			if call != nil {
				attrs = append(attrs,
					AttrSessionID.String(before.SessionID),
					AttrPhaseBefore.String(before.Phase),
				)
			}
			ctx, span := StartSpan(ctx, "control "+action,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("action", action),
					attribute.Int("status", rec.statusCode),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			logAttrs := []slog.Attr{
				slog.String("action", action),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			}
			if call != nil {
				after := call()
				span.SetAttributes(AttrPhaseAfter.String(after.Phase))
				if after.Phase != before.Phase {
					logAttrs = append(logAttrs,
						slog.String("phase_before", before.Phase),
						slog.String("phase_after", after.Phase),
					)
				}
			}

			level := slog.LevelInfo
			if quietActions[action] && rec.statusCode < http.StatusBadRequest {
				level = slog.LevelDebug
			}
			Logger(ctx).LogAttrs(ctx, level, "control: request completed", logAttrs...)
		})
	}
}
