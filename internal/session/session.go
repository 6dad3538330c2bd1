// Package session drives the lifecycle of one call: start, end, report and
// exit.
//
// A [Controller] owns every per-call resource (capture pipeline, playback
// queue, both sockets, the report poller and the local media tracks) and
// releases them in a fixed order. It reacts to socket events from
// [link.Machine]: the capture pipeline streams while the audio-in socket is
// open and is suspended when it drops; audio-out messages feed the playback
// queue.
//
//	ctrl, _ := session.New(cfg)
//	_ = ctrl.Start(ctx)
//	...
//	_ = ctrl.EndCall(ctx)  // stops the microphone and starts the report job
//	_ = ctrl.Exit(ctx)     // releases everything; Done() closes
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/callwire/internal/backend"
	"github.com/MrWong99/callwire/internal/capture"
	"github.com/MrWong99/callwire/internal/link"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/internal/playback"
	"github.com/MrWong99/callwire/internal/report"
	"github.com/MrWong99/callwire/pkg/audio"
	"github.com/MrWong99/callwire/pkg/audio/codec"
	"github.com/MrWong99/callwire/pkg/media"
)

// AlertMediaUnavailable is passed to the alert callback when local media
// could not be acquired.
const AlertMediaUnavailable = "Unable to access camera and microphone. Please check permissions."

var (
	// ErrAlreadyEnding is returned by EndCall while an end-call is in flight
	// or after the call ended.
	ErrAlreadyEnding = errors.New("session: call is already ending")

	// ErrAlreadyExiting is returned by a second Exit.
	ErrAlreadyExiting = errors.New("session: already exiting")

	// ErrInvalidPhase is returned when an operation is not legal in the
	// current phase.
	ErrInvalidPhase = errors.New("session: operation not allowed in current phase")

	// ErrMicrophoneReleased is returned by ToggleAudio once an end-call has
	// released the microphone, even if that end-call later failed.
	ErrMicrophoneReleased = errors.New("session: microphone released")
)

// Backend is the subset of the backend client the controller uses.
type Backend interface {
	report.Backend
	playback.BufferNotifier
	StartCall(ctx context.Context) (json.RawMessage, error)
	EndCall(ctx context.Context) error
	EndSession(ctx context.Context) error
}

// Config holds the collaborators of a [Controller].
type Config struct {
	// AudioInURL and AudioOutURL are the socket endpoints.
	AudioInURL  string
	AudioOutURL string

	Backend    Backend
	Microphone audio.Microphone
	Decoder    codec.Decoder
	Sink       audio.Sink

	// Media acquires local tracks. Defaults to [media.Local].
	Media media.Acquirer

	// Video requests a local video track.
	Video bool

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Extra options for the per-call components. Hooks the controller
	// needs are appended after these.
	LinkOptions    []link.Option
	CaptureOptions []capture.Option
	ReportOptions  []report.Option

	// OnAlert receives user-facing alerts. May be nil.
	OnAlert func(msg string)
}

// Validate reports missing collaborators.
func (c Config) Validate() error {
	var errs []error
	if c.AudioInURL == "" {
		errs = append(errs, errors.New("session: audio-in URL is required"))
	}
	if c.AudioOutURL == "" {
		errs = append(errs, errors.New("session: audio-out URL is required"))
	}
	if c.Backend == nil {
		errs = append(errs, errors.New("session: backend is required"))
	}
	if c.Microphone == nil {
		errs = append(errs, errors.New("session: microphone is required"))
	}
	if c.Decoder == nil {
		errs = append(errs, errors.New("session: decoder is required"))
	}
	if c.Sink == nil {
		errs = append(errs, errors.New("session: sink is required"))
	}
	return errors.Join(errs...)
}

// resources is everything a call owns. Fields are set once by Start.
type resources struct {
	capture *capture.Pipeline
	queue   *playback.Queue
	link    *link.Machine
	poller  *report.Poller
	stream  *media.Stream
}

// Controller is the lifecycle controller of one call session. All exported
// methods are safe for concurrent use.
type Controller struct {
	cfg     Config
	id      string
	metrics *observe.Metrics

	life     context.Context
	stopLife context.CancelFunc

	mu       sync.Mutex
	phase    Phase
	audioOn  bool
	videoOn  bool
	playing  bool
	loading  bool
	rating   int
	res      resources
	started  bool
	tornDown bool

	done     chan struct{}
	doneOnce sync.Once
	bg       sync.WaitGroup
}

// New returns an idle controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Media == nil {
		cfg.Media = media.Local{}
	}
	c := &Controller{
		cfg:     cfg,
		id:      uuid.NewString(),
		metrics: cfg.Metrics,
		audioOn: true,
		videoOn: cfg.Video,
		done:    make(chan struct{}),
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.life, c.stopLife = context.WithCancel(observe.WithSession(context.Background(), c.id))

	c.res.queue = playback.New(cfg.Decoder, cfg.Sink,
		playback.WithNotifier(cfg.Backend),
		playback.WithOnPlaying(c.setPlaying),
		playback.WithMetrics(c.metrics),
	)
	reportOpts := append([]report.Option{report.WithMetrics(c.metrics)}, cfg.ReportOptions...)
	reportOpts = append(reportOpts,
		report.WithOnRating(c.setRating),
		report.WithOnLoading(c.setLoading),
	)
	c.res.poller = report.New(cfg.Backend, reportOpts...)
	return c, nil
}

// ID returns the session id sent to the backend as X-Session-ID.
func (c *Controller) ID() string { return c.id }

// Done is closed once the session has exited or was closed.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start begins the call. The backend is told first; if that fails the
// session stays idle and the error is returned. Local media is acquired
// next; a failure raises one alert and the call proceeds without it. Both
// sockets are then opened and the session enters the connecting phase.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseIdle || c.started {
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidPhase, c.phase)
	}
	c.started = true
	c.mu.Unlock()

	ctx = observe.WithSession(ctx, c.id)
	log := observe.Logger(ctx)

	resp, err := c.cfg.Backend.StartCall(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		log.Error("session: start call failed", "err", err)
		return fmt.Errorf("session: start call: %w", err)
	}
	log.Info("session: call started", "response", string(resp))

	stream, err := c.cfg.Media.Acquire(ctx, media.Constraints{Audio: true, Video: c.cfg.Video})
	if err != nil {
		log.Warn("session: local media unavailable, continuing without it", "err", err,
			"permission_denied", errors.Is(err, media.ErrPermissionDenied))
		c.alert(AlertMediaUnavailable)
		stream = nil
	}

	linkOpts := append([]link.Option{link.WithMetrics(c.metrics)}, c.cfg.LinkOptions...)
	linkOpts = append(linkOpts,
		link.WithOnOpen(c.handleOpen),
		link.WithOnDown(c.handleDown),
		link.WithOnStatus(c.handleStatus),
		link.WithOnMessage(c.handleMessage),
	)
	machine := link.New(c.cfg.AudioInURL, c.cfg.AudioOutURL, linkOpts...)

	captureOpts := append([]capture.Option{capture.WithMetrics(c.metrics)}, c.cfg.CaptureOptions...)
	pipeline := capture.New(c.cfg.Microphone, machine, captureOpts...)

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return fmt.Errorf("%w: session closed during start", ErrInvalidPhase)
	}
	c.res.link = machine
	c.res.capture = pipeline
	c.res.stream = stream
	if stream != nil {
		stream.SetEnabled(media.KindAudio, c.audioOn)
		stream.SetEnabled(media.KindVideo, c.videoOn)
	}
	pipeline.SetMuted(!c.audioOn)
	c.phase = PhaseConnecting
	c.mu.Unlock()

	c.metrics.ActiveCalls.Add(ctx, 1)
	if err := machine.Start(c.life); err != nil {
		return fmt.Errorf("session: open sockets: %w", err)
	}
	log.Info("session: connecting")
	return nil
}

// EndCall ends the call. The microphone is stopped, the playback buffer is
// cleared and microphone tracks are revoked before the backend is told. If
// the backend call fails the session returns to connecting or in-call,
// whichever the link status is by then, so the user may retry. On success
// the call-ended latch is set, the audio-in socket is closed and the report
// job starts in the background.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.phase == PhaseEnding || c.phase == PhaseEnded:
		c.mu.Unlock()
		return ErrAlreadyEnding
	case !c.phase.active():
		p := c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w: end call from %s", ErrInvalidPhase, p)
	}
	c.phase = PhaseEnding
	res := c.res
	c.audioOn = false
	c.mu.Unlock()

	ctx = observe.WithSession(ctx, c.id)
	log := observe.Logger(ctx)
	log.Info("session: ending call")

	if err := res.capture.Stop(); err != nil {
		log.Warn("session: stopping microphone", "err", err)
	}
	res.queue.Clear(ctx)
	if res.stream != nil {
		res.stream.Stop(media.KindAudio)
	}

	if err := c.cfg.Backend.EndCall(ctx); err != nil {
		c.mu.Lock()
		if c.phase == PhaseEnding {
			// Status changes were ignored while ending; resync now.
			c.phase = runningPhase(res.link.Status())
		}
		c.mu.Unlock()
		log.Error("session: end call failed", "err", err)
		return fmt.Errorf("session: end call: %w", err)
	}

	c.mu.Lock()
	if c.phase != PhaseEnding {
		// Closed while the request was in flight.
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseEnded
	c.mu.Unlock()
	log.Info("session: call ended")

	res.link.EndCall()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		err := res.poller.Start(c.life)
		switch {
		case errors.Is(err, backend.ErrPreconditionFailed):
			observe.Logger(c.life).Warn("session: backend refused the report, call not ended", "err", err)
		case err != nil:
			observe.Logger(c.life).Warn("session: report job not started", "err", err)
		}
	}()
	return nil
}

// Exit leaves the ended session. The playback buffer is cleared, the backend
// is told in the background, polling stops and every resource is released.
// Exit never waits for the backend and returns nil once teardown is done.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	switch c.phase {
	case PhaseExiting:
		c.mu.Unlock()
		return ErrAlreadyExiting
	case PhaseEnded:
	default:
		p := c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w: exit from %s", ErrInvalidPhase, p)
	}
	c.phase = PhaseExiting
	res := c.res
	c.mu.Unlock()

	ctx = observe.WithSession(ctx, c.id)
	observe.Logger(ctx).Info("session: exiting")

	res.queue.Clear(ctx)

	go func() {
		nctx := context.WithoutCancel(ctx)
		if err := c.cfg.Backend.EndSession(nctx); err != nil {
			observe.Logger(nctx).Warn("session: end-session notification failed", "err", err)
			return
		}
		observe.Logger(nctx).Info("session: session ended")
	}()

	res.poller.Stop()
	c.teardown()
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// ToggleAudio flips the microphone enabled flag and returns the new value.
// The local audio tracks and the capture mute flag change together.
func (c *Controller) ToggleAudio() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase >= PhaseEnding {
		return c.audioOn, fmt.Errorf("%w: toggle audio in %s", ErrInvalidPhase, c.phase)
	}
	if c.res.capture != nil && c.res.capture.Stopped() {
		return false, ErrMicrophoneReleased
	}
	c.audioOn = !c.audioOn
	if c.res.stream != nil {
		c.res.stream.SetEnabled(media.KindAudio, c.audioOn)
	}
	if c.res.capture != nil {
		c.res.capture.SetMuted(!c.audioOn)
	}
	return c.audioOn, nil
}

// ToggleVideo flips the local video enabled flag and returns the new value.
func (c *Controller) ToggleVideo() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase >= PhaseEnding {
		return c.videoOn, fmt.Errorf("%w: toggle video in %s", ErrInvalidPhase, c.phase)
	}
	c.videoOn = !c.videoOn
	if c.res.stream != nil {
		c.res.stream.SetEnabled(media.KindVideo, c.videoOn)
	}
	return c.videoOn, nil
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		SessionID:     c.id,
		Phase:         c.phase,
		AudioEnabled:  c.audioOn,
		VideoEnabled:  c.videoOn,
		RemotePlaying: c.playing,
		ReportLoading: c.loading,
		Rating:        c.rating,
		Report:        c.res.poller.State(),
		Status:        link.StatusConnecting,
	}
	if c.res.link != nil {
		s.Status = c.res.link.Status()
	}
	return s
}

// Status returns the unified connection status.
func (c *Controller) Status() link.Status {
	c.mu.Lock()
	l := c.res.link
	c.mu.Unlock()
	if l == nil {
		return link.StatusConnecting
	}
	return l.Status()
}

// Close releases every resource without notifying the backend. It is meant
// for process shutdown and is idempotent.
func (c *Controller) Close() error {
	c.res.poller.Stop()
	c.teardown()
	c.doneOnce.Do(func() { close(c.done) })
	c.bg.Wait()
	return nil
}

// teardown releases resources in order: capture, playback, sockets, timers,
// media.
func (c *Controller) teardown() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	res := c.res
	wasStarted := res.link != nil
	c.mu.Unlock()

	if res.capture != nil {
		if err := res.capture.Stop(); err != nil {
			slog.Warn("session: stopping capture", "err", err)
		}
	}
	_ = res.queue.Close()
	if res.link != nil {
		_ = res.link.Close()
	}
	res.poller.Stop()
	if res.stream != nil {
		res.stream.StopAll()
	}
	c.stopLife()

	if wasStarted {
		c.metrics.ActiveCalls.Add(context.Background(), -1)
	}
	slog.Info("session: resources released", "session_id", c.id)
}

func (c *Controller) handleOpen(role link.Role) {
	if role != link.RoleAudioIn {
		return
	}
	c.mu.Lock()
	p := c.res.capture
	c.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Start(c.life); err != nil && !errors.Is(err, capture.ErrStopped) {
		observe.Logger(c.life).Error("session: microphone unavailable", "err", err)
	}
}

func (c *Controller) handleDown(role link.Role) {
	if role != link.RoleAudioIn {
		return
	}
	c.mu.Lock()
	p := c.res.capture
	c.mu.Unlock()
	if p != nil {
		p.Suspend()
	}
}

func (c *Controller) handleStatus(s link.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.phase.active() {
		return
	}
	c.phase = runningPhase(s)
}

func (c *Controller) handleMessage(role link.Role, msg link.Message) {
	if role != link.RoleAudioOut {
		return
	}
	if msg.Text {
		_ = c.res.queue.HandleMetadata(msg.Data)
		return
	}
	_ = c.res.queue.HandleAudio(msg.Data)
}

func (c *Controller) setPlaying(v bool) {
	c.mu.Lock()
	c.playing = v
	c.mu.Unlock()
}

func (c *Controller) setLoading(v bool) {
	c.mu.Lock()
	c.loading = v
	c.mu.Unlock()
}

func (c *Controller) setRating(r int) {
	c.mu.Lock()
	c.rating = r
	c.mu.Unlock()
}

func (c *Controller) alert(msg string) {
	if c.cfg.OnAlert != nil {
		c.cfg.OnAlert(msg)
	}
}
