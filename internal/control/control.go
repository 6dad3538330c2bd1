// Package control serves the local HTTP surface used to drive a call
// session: status, media toggles, end-call, exit, probes and metrics.
//
// Routes:
//
//	GET  /status      session snapshot as JSON
//	POST /call/start  start the call, or retry a failed start
//	POST /call/audio  toggle the microphone
//	POST /call/video  toggle local video
//	POST /call/end    end the call
//	POST /call/exit   leave the ended session
//	GET  /healthz     liveness
//	GET  /readyz      ready while both call sockets are open
//	GET  /metrics     Prometheus exposition
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/callwire/internal/health"
	"github.com/MrWong99/callwire/internal/link"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/internal/report"
	"github.com/MrWong99/callwire/internal/session"
)

// shutdownTimeout bounds the graceful HTTP shutdown in [Server.Run].
const shutdownTimeout = 5 * time.Second

// Session is the subset of [session.Controller] driven by the control surface.
type Session interface {
	Snapshot() session.Snapshot
	Status() link.Status
	Start(ctx context.Context) error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	EndCall(ctx context.Context) error
	Exit(ctx context.Context) error
	Done() <-chan struct{}
}

// StatusView is the JSON body of GET /status.
type StatusView struct {
	SessionID     string        `json:"session_id"`
	Phase         session.Phase `json:"phase"`
	Status        string        `json:"status"`
	AudioEnabled  bool          `json:"audio_enabled"`
	VideoEnabled  bool          `json:"video_enabled"`
	CallEnded     bool          `json:"call_ended"`
	RemotePlaying bool          `json:"remote_playing"`
	ReportLoading bool          `json:"report_loading"`
	Report        report.State  `json:"report"`
	// Rating is "n/3" once the report is ready.
	Rating string `json:"rating,omitempty"`
}

// NewStatusView converts a snapshot into its JSON shape.
func NewStatusView(s session.Snapshot) StatusView {
	v := StatusView{
		SessionID:     s.SessionID,
		Phase:         s.Phase,
		Status:        s.Status.String(),
		AudioEnabled:  s.AudioEnabled,
		VideoEnabled:  s.VideoEnabled,
		CallEnded:     s.CallEnded(),
		RemotePlaying: s.RemotePlaying,
		ReportLoading: s.ReportLoading,
		Report:        s.Report,
	}
	if s.Rating > 0 {
		v.Rating = fmt.Sprintf("%d/3", s.Rating)
	}
	return v
}

type toggleResult struct {
	Enabled bool `json:"enabled"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink for request instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts h at /metrics. Without it the route is absent.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server is the control HTTP server.
type Server struct {
	sess           Session
	metrics        *observe.Metrics
	metricsHandler http.Handler
	handler        http.Handler
}

// New builds the control server for sess.
func New(sess Session, opts ...Option) *Server {
	s := &Server{sess: sess}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /call/start", s.handleStart)
	mux.HandleFunc("POST /call/audio", s.handleToggle(sess.ToggleAudio))
	mux.HandleFunc("POST /call/video", s.handleToggle(sess.ToggleVideo))
	mux.HandleFunc("POST /call/end", s.handleEnd)
	mux.HandleFunc("POST /call/exit", s.handleExit)
	health.New(
		health.Connected(sess.Status),
		health.Open("session", sess.Done()),
	).Register(mux)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics, s.callInfo)(mux)
	return s
}

func (s *Server) callInfo() observe.CallInfo {
	snap := s.sess.Snapshot()
	return observe.CallInfo{SessionID: snap.SessionID, Phase: snap.Phase.String()}
}

// Handler returns the instrumented route tree.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %q: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.Run] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("control: listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("control: serve: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	slog.Info("control: stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewStatusView(s.sess.Snapshot()))
}

func (s *Server) handleToggle(toggle func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		on, err := toggle()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toggleResult{Enabled: on})
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewStatusView(s.sess.Snapshot()))
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.EndCall(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewStatusView(s.sess.Snapshot()))
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Exit(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewStatusView(s.sess.Snapshot()))
}

// writeError maps lifecycle conflicts to 409 and everything else, which can
// only be a backend failure, to 502.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, session.ErrAlreadyEnding),
		errors.Is(err, session.ErrAlreadyExiting),
		errors.Is(err, session.ErrInvalidPhase),
		errors.Is(err, session.ErrMicrophoneReleased):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
