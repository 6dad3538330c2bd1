package link

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// closeTimeout bounds the close handshake of a single socket.
const closeTimeout = 2 * time.Second

type eventKind int

const (
	eventOpen eventKind = iota
	eventError
	eventClose
)

func (k eventKind) String() string {
	switch k {
	case eventOpen:
		return "open"
	case eventError:
		return "error"
	case eventClose:
		return "close"
	default:
		return "unknown"
	}
}

// event is one lifecycle change of one socket object.
type event struct {
	role Role
	sock *socket
	kind eventKind
	err  error
}

// socket is a single connection attempt. It dials once, reports open, error
// and close through emit, and is never reused.
type socket struct {
	role      Role
	url       string
	header    http.Header
	readLimit int64

	out    chan []byte
	open   atomic.Bool
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newSocket(role Role, url string, header http.Header, sendBuffer int, readLimit int64) *socket {
	return &socket{
		role:      role,
		url:       url,
		header:    header,
		readLimit: readLimit,
		out:       make(chan []byte, sendBuffer),
	}
}

// run dials, then reads until the connection ends. It always emits a final
// eventClose.
func (s *socket) run(ctx context.Context, emit func(event), onMessage func(Role, Message)) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	closed := s.closed
	s.mu.Unlock()
	defer cancel()

	if closed {
		emit(event{role: s.role, sock: s, kind: eventClose})
		return
	}

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: s.header})
	if err != nil {
		emit(event{role: s.role, sock: s, kind: eventError, err: err})
		emit(event{role: s.role, sock: s, kind: eventClose, err: err})
		return
	}
	conn.SetReadLimit(s.readLimit)

	s.mu.Lock()
	s.conn = conn
	closed = s.closed
	s.mu.Unlock()
	if closed {
		conn.CloseNow()
		emit(event{role: s.role, sock: s, kind: eventClose})
		return
	}

	s.open.Store(true)
	emit(event{role: s.role, sock: s, kind: eventOpen})

	go s.writeLoop(ctx, conn)
	err = s.readLoop(ctx, conn, onMessage)
	s.open.Store(false)
	conn.CloseNow()

	if err != nil {
		emit(event{role: s.role, sock: s, kind: eventError, err: err})
	}
	emit(event{role: s.role, sock: s, kind: eventClose, err: err})
}

// readLoop returns nil when the connection ended with a close frame or was
// closed locally, and the transport error otherwise.
func (s *socket) readLoop(ctx context.Context, conn *websocket.Conn, onMessage func(Role, Message)) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			closing := s.closed
			s.mu.Unlock()
			if closing || ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return err
		}
		if onMessage != nil {
			onMessage(s.role, Message{Text: typ == websocket.MessageText, Data: data})
		}
	}
}

func (s *socket) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-s.out:
			if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
				if ctx.Err() == nil {
					slog.Warn("link: write failed", "role", s.role.String(), "err", err)
				}
				conn.CloseNow()
				return
			}
		}
	}
}

// send queues data without blocking. It reports false when the socket is not
// open or its send buffer is full.
func (s *socket) send(data []byte) bool {
	if !s.open.Load() {
		return false
	}
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

// close starts a close handshake with code and reason. Safe to call from any
// state; only the first call has effect.
func (s *socket) close(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()
	s.open.Store(false)

	if conn == nil {
		// Still dialing: abort the dial.
		if cancel != nil {
			cancel()
		}
		return
	}
	go func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := conn.Close(code, reason); err != nil && !errors.Is(err, context.Canceled) {
				slog.Debug("link: close handshake incomplete", "role", s.role.String(), "err", err)
			}
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
			conn.CloseNow()
		}
		if cancel != nil {
			cancel()
		}
	}()
}
