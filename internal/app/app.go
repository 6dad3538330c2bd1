// Package app wires the callwire subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates the backend client,
// decoder, call session and control server, Run starts the call and serves
// the control surface until the session exits or the context is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMicrophone,
// WithSink, WithMedia, etc.). When an option is not provided, New creates
// the real device-backed implementations.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callwire/internal/backend"
	"github.com/MrWong99/callwire/internal/capture"
	"github.com/MrWong99/callwire/internal/config"
	"github.com/MrWong99/callwire/internal/control"
	"github.com/MrWong99/callwire/internal/link"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/internal/report"
	"github.com/MrWong99/callwire/internal/session"
	"github.com/MrWong99/callwire/pkg/audio"
	"github.com/MrWong99/callwire/pkg/audio/codec"
	"github.com/MrWong99/callwire/pkg/audio/portaudio"
	"github.com/MrWong99/callwire/pkg/audio/speaker"
	"github.com/MrWong99/callwire/pkg/media"
)

// errSessionDone ends the run group once the session has exited.
var errSessionDone = errors.New("app: session done")

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Collaborators, injectable through options.
	mic            audio.Microphone
	sink           audio.Sink
	media          media.Acquirer
	metrics        *observe.Metrics
	metricsHandler http.Handler
	httpClient     *http.Client
	listener       net.Listener
	onAlert        func(string)

	// Subsystems, initialised in New and torn down in Shutdown.
	backend *backend.Client
	session *session.Controller
	control *control.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophone injects a microphone instead of the PortAudio device.
func WithMicrophone(m audio.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithSink injects a playback sink instead of the speaker.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMedia injects the local media acquirer.
func WithMedia(m media.Acquirer) Option {
	return func(a *App) { a.media = m }
}

// WithMetrics sets the metrics sink shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at the control server's /metrics route.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithHTTPClient sets the HTTP client used for backend requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.httpClient = hc }
}

// WithListener serves the control surface on ln instead of
// cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithAlertHandler receives user-facing alerts. The default logs them.
func WithAlertHandler(fn func(msg string)) Option {
	return func(a *App) { a.onAlert = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Nothing touches the network or audio devices
// until [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.mic == nil {
		a.mic = portaudio.Microphone{}
	}
	if a.sink == nil {
		a.sink = speaker.New(
			speaker.WithSampleRate(cfg.Playback.OutputSampleRate),
			speaker.WithBuffer(cfg.Playback.OutputBuffer),
		)
	}
	if a.media == nil {
		a.media = media.Local{Probe: portaudio.Probe}
	}
	if a.onAlert == nil {
		a.onAlert = func(msg string) { slog.Warn("app: alert", "message", msg) }
	}

	backendOpts := []backend.Option{backend.WithMetrics(a.metrics)}
	if a.httpClient != nil {
		backendOpts = append(backendOpts, backend.WithHTTPClient(a.httpClient))
	}
	bc, err := backend.New(cfg.Backend.BaseURL, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.backend = bc

	dec, err := codec.New(codec.Config{
		Format:     cfg.Playback.Format,
		SampleRate: cfg.Playback.PCMSampleRate,
		Channels:   cfg.Playback.PCMChannels,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	sess, err := session.New(session.Config{
		AudioInURL:  cfg.Backend.AudioInURL,
		AudioOutURL: cfg.Backend.AudioOutURL,
		Backend:     bc,
		Microphone:  a.mic,
		Decoder:     dec,
		Sink:        a.sink,
		Media:       a.media,
		Video:       cfg.Media.VideoEnabled(),
		Metrics:     a.metrics,
		LinkOptions: []link.Option{
			link.WithReconnect(cfg.Link.ReconnectEnabled()),
			link.WithRetryDelay(cfg.Link.RetryDelay),
			link.WithSendBuffer(cfg.Link.SendBuffer),
		},
		CaptureOptions: []capture.Option{
			capture.WithSampleRate(cfg.Capture.SampleRate),
			capture.WithBlockSize(cfg.Capture.BlockSize),
			capture.WithDevice(cfg.Capture.Device),
		},
		ReportOptions: []report.Option{
			report.WithInterval(cfg.Report.PollInterval),
		},
		OnAlert: a.onAlert,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.session = sess
	a.closers = append(a.closers, sess.Close)

	ctrlOpts := []control.Option{control.WithMetrics(a.metrics)}
	if a.metricsHandler != nil {
		ctrlOpts = append(ctrlOpts, control.WithMetricsHandler(a.metricsHandler))
	}
	a.control = control.New(sess, ctrlOpts...)

	slog.Info("app: initialised",
		"session_id", sess.ID(),
		"backend", cfg.Backend.BaseURL,
		"playback_format", string(cfg.Playback.Format),
	)
	return a, nil
}

// Session returns the call session.
func (a *App) Session() *session.Controller { return a.session }

// Handler returns the control surface handler.
func (a *App) Handler() http.Handler { return a.control.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control surface and starts the call. A failed start is
// logged and left for the operator to retry through POST /call/start. Run
// returns nil once the session exits or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if a.listener != nil {
			return a.control.Serve(gctx, a.listener)
		}
		return a.control.Run(gctx, a.cfg.Server.ListenAddr)
	})

	g.Go(func() error {
		if err := a.session.Start(gctx); err != nil {
			slog.Error("app: call did not start; retry with POST /call/start", "err", err)
		}
		select {
		case <-gctx.Done():
			return nil
		case <-a.session.Done():
			slog.Info("app: session finished")
			return errSessionDone
		}
	})

	err := g.Wait()
	if errors.Is(err, errSessionDone) {
		return nil
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
