// Package link maintains the two WebSocket connections of a call and derives
// a single connection status from them.
//
// The audio-in socket carries microphone frames to the backend; the audio-out
// socket carries playback audio and metadata back. Each connection attempt is
// a fresh socket object. Socket lifecycle changes become events processed
// serially by one event loop, which is the only place status is computed and
// the only place reconnects are decided. Events from a socket that is no
// longer current are ignored.
//
// The status is [StatusConnected] only while both sockets are open; any other
// combination is [StatusConnecting].
package link

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/pkg/audio"
)

// Default parameters.
const (
	DefaultRetryDelay = time.Second
	DefaultSendBuffer = 8
	DefaultReadLimit  = 16 << 20
)

// EndCallReason is the close reason sent on the audio-in socket when the user
// ends the call.
const EndCallReason = "Call ended by user"

// ErrAlreadyStarted is returned by a second call to [Machine.Start].
var ErrAlreadyStarted = errors.New("link: already started")

// Role identifies one of the two sockets.
type Role int

const (
	// RoleAudioIn carries microphone frames from client to backend.
	RoleAudioIn Role = iota

	// RoleAudioOut carries playback audio and metadata from backend to client.
	RoleAudioOut
)

// String returns the metric/log name of the role.
func (r Role) String() string {
	switch r {
	case RoleAudioIn:
		return "audio_in"
	case RoleAudioOut:
		return "audio_out"
	default:
		return "unknown"
	}
}

// Status is the unified connection status.
type Status int

const (
	// StatusConnecting covers every state other than both sockets open.
	StatusConnecting Status = iota

	// StatusConnected means both sockets are open.
	StatusConnected
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "connecting"
}

// Message is one inbound socket message.
type Message struct {
	// Text is true for text frames (JSON metadata) and false for binary
	// frames (audio).
	Text bool
	Data []byte
}

// Option configures a [Machine].
type Option func(*Machine)

// WithReconnect enables or disables automatic reconnection. Enabled by
// default.
func WithReconnect(enabled bool) Option {
	return func(m *Machine) { m.reconnect = enabled }
}

// WithRetryDelay sets the fixed delay before a closed socket is redialed.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

// WithSendBuffer sets how many outbound frames may wait for the writer before
// [Machine.Send] starts refusing them.
func WithSendBuffer(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.sendBuffer = n
		}
	}
}

// WithHeader sets extra HTTP headers sent with every dial.
func WithHeader(h http.Header) Option {
	return func(m *Machine) { m.header = h }
}

// WithOnOpen registers a hook called on the event loop when a socket opens.
func WithOnOpen(fn func(Role)) Option {
	return func(m *Machine) { m.onOpen = fn }
}

// WithOnDown registers a hook called on the event loop when a socket reports
// an error or closes. It may fire twice for one socket (error, then close)
// and must be idempotent.
func WithOnDown(fn func(Role)) Option {
	return func(m *Machine) { m.onDown = fn }
}

// WithOnStatus registers a hook called on the event loop when the unified
// status changes.
func WithOnStatus(fn func(Status)) Option {
	return func(m *Machine) { m.onStatus = fn }
}

// WithOnMessage registers the handler for inbound messages. It is called from
// the socket's read goroutine in arrival order.
func WithOnMessage(fn func(Role, Message)) Option {
	return func(m *Machine) { m.onMessage = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = met }
}

// Machine owns both sockets. All exported methods are safe for concurrent
// use.
type Machine struct {
	urls       [2]string
	header     http.Header
	reconnect  bool
	retryDelay time.Duration
	sendBuffer int
	onOpen     func(Role)
	onDown     func(Role)
	onStatus   func(Status)
	onMessage  func(Role, Message)
	metrics    *observe.Metrics

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	ended   bool // call-ended latch; audio-in is never reopened once set
	sockets [2]*socket
	open    [2]bool
	status  Status

	events    chan event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New returns a Machine for the given socket URLs. Nothing is dialed until
// [Machine.Start].
func New(audioInURL, audioOutURL string, opts ...Option) *Machine {
	m := &Machine{
		urls:       [2]string{RoleAudioIn: audioInURL, RoleAudioOut: audioOutURL},
		reconnect:  true,
		retryDelay: DefaultRetryDelay,
		sendBuffer: DefaultSendBuffer,
		events:     make(chan event, 16),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Start dials both sockets and starts the event loop. Sockets live until
// ctx is cancelled or [Machine.Close] is called.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	if m.closed {
		m.mu.Unlock()
		return errors.New("link: closed")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.loop()
	m.dial(RoleAudioIn)
	m.dial(RoleAudioOut)
	return nil
}

// Send hands a microphone frame to the audio-in socket without blocking. It
// returns false when the socket is not open or its send buffer is full.
func (m *Machine) Send(frame audio.AudioFrame) bool {
	m.mu.Lock()
	s := m.sockets[RoleAudioIn]
	open := m.open[RoleAudioIn]
	m.mu.Unlock()
	if s == nil || !open {
		return false
	}
	return s.send(frame.Data)
}

// IsOpen reports whether the socket for role is open.
func (m *Machine) IsOpen(role Role) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[role]
}

// Status returns the unified connection status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// EndCall sets the call-ended latch and closes the audio-in socket with a
// normal closure. The audio-out socket stays up.
func (m *Machine) EndCall() {
	m.mu.Lock()
	m.ended = true
	s := m.sockets[RoleAudioIn]
	m.mu.Unlock()
	if s != nil {
		s.close(websocket.StatusNormalClosure, EndCallReason)
	}
	slog.Info("link: call ended, audio-in closed")
}

// Close closes both sockets, stops the event loop and disables reconnects.
// Close is idempotent.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		socks := m.sockets
		cancel := m.cancel
		m.mu.Unlock()

		for _, s := range socks {
			if s != nil {
				s.close(websocket.StatusNormalClosure, "client closed")
			}
		}
		close(m.done)
		if cancel != nil {
			cancel()
		}
		m.wg.Wait()

		m.mu.Lock()
		m.open = [2]bool{}
		m.sockets = [2]*socket{}
		m.status = StatusConnecting
		m.mu.Unlock()
	})
	return nil
}

// dial starts a fresh socket for role unless the machine is closed or the
// role is latched shut.
func (m *Machine) dial(role Role) {
	m.mu.Lock()
	if m.closed || (role == RoleAudioIn && m.ended) || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	s := newSocket(role, m.urls[role], m.header, m.sendBuffer, DefaultReadLimit)
	m.sockets[role] = s
	m.open[role] = false
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Debug("link: dialing", "role", role.String(), "url", m.urls[role])
	go func() {
		defer m.wg.Done()
		s.run(ctx, m.emit, m.onMessage)
	}()
}

func (m *Machine) emit(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Machine) loop() {
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// handle applies one socket event. It is the single place where status is
// recomputed and reconnects are scheduled.
func (m *Machine) handle(ev event) {
	m.mu.Lock()
	if m.sockets[ev.role] != ev.sock || m.closed {
		m.mu.Unlock()
		slog.Debug("link: ignoring event from stale socket", "role", ev.role.String(), "event", ev.kind.String())
		return
	}
	switch ev.kind {
	case eventOpen:
		m.open[ev.role] = true
	case eventClose:
		m.open[ev.role] = false
		m.sockets[ev.role] = nil
	}
	prev := m.status
	m.status = StatusConnecting
	if m.open[RoleAudioIn] && m.open[RoleAudioOut] {
		m.status = StatusConnected
	}
	status := m.status
	redial := ev.kind == eventClose && m.reconnect && !(ev.role == RoleAudioIn && m.ended)
	m.mu.Unlock()

	m.metrics.RecordSocketEvent(context.Background(), ev.role.String(), ev.kind.String())

	switch ev.kind {
	case eventOpen:
		slog.Info("link: socket open", "role", ev.role.String())
		if m.onOpen != nil {
			m.onOpen(ev.role)
		}
	case eventError:
		slog.Warn("link: socket error", "role", ev.role.String(), "err", ev.err)
		if m.onDown != nil {
			m.onDown(ev.role)
		}
	case eventClose:
		slog.Info("link: socket closed", "role", ev.role.String(), "reconnect", redial)
		if m.onDown != nil {
			m.onDown(ev.role)
		}
	}

	if status != prev {
		slog.Info("link: status changed", "status", status.String())
		if m.onStatus != nil {
			m.onStatus(status)
		}
	}

	if redial {
		m.scheduleRedial(ev.role)
	}
}

func (m *Machine) scheduleRedial(role Role) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.Reconnects.Add(context.Background(), 1, metric.WithAttributes(observe.Attr("role", role.String())))
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(m.retryDelay)
		defer t.Stop()
		select {
		case <-m.done:
			return
		case <-t.C:
		}
		m.dial(role)
	}()
}
