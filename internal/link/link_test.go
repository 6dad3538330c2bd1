package link_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callwire/internal/link"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/pkg/audio"
)

const testRetry = 20 * time.Millisecond

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// socketServer counts connection attempts and hands accepted conns to handler.
type socketServer struct {
	*httptest.Server
	dials atomic.Int32
}

// startSocketServer launches a WebSocket test server. handler receives the
// accepted conn and the 1-based attempt number; the conn is closed normally
// when it returns. reject, when set, refuses the upgrade for the attempts it
// returns true for.
func startSocketServer(t *testing.T, reject func(n int) bool, handler func(conn *websocket.Conn, r *http.Request, n int)) *socketServer {
	t.Helper()
	s := &socketServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.dials.Add(1))
		if reject != nil && reject(n) {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r, n)
	}))
	t.Cleanup(s.Close)
	return s
}

// holdOpen reads until the peer goes away.
func holdOpen(conn *websocket.Conn, r *http.Request, _ int) {
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func startMachine(t *testing.T, in, out *socketServer, opts ...link.Option) *link.Machine {
	t.Helper()
	opts = append([]link.Option{link.WithRetryDelay(testRetry), link.WithMetrics(testMetrics(t))}, opts...)
	m := link.New(wsURL(in.Server), wsURL(out.Server), opts...)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatus_ConnectedOnlyWhenBothOpen(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	in := startSocketServer(t, nil, holdOpen)
	// The first audio-out connection closes when released; later ones stay.
	out := startSocketServer(t, nil, func(conn *websocket.Conn, r *http.Request, n int) {
		if n == 1 {
			<-release
			return
		}
		holdOpen(conn, r, n)
	})

	var mu sync.Mutex
	var statuses []link.Status
	m := startMachine(t, in, out, link.WithOnStatus(func(s link.Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}))

	waitFor(t, "connected", func() bool { return m.Status() == link.StatusConnected })
	if !m.IsOpen(link.RoleAudioIn) || !m.IsOpen(link.RoleAudioOut) {
		t.Fatal("connected without both sockets open")
	}

	close(release)
	waitFor(t, "drop to connecting", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 2
	})
	waitFor(t, "reconnect", func() bool { return m.Status() == link.StatusConnected })

	mu.Lock()
	defer mu.Unlock()
	if statuses[0] != link.StatusConnected || statuses[1] != link.StatusConnecting {
		t.Errorf("status sequence = %v, want connected then connecting", statuses)
	}
	if out.dials.Load() < 2 {
		t.Errorf("audio-out dials = %d, want a redial", out.dials.Load())
	}
}

func TestStatus_OneSocketIsNotConnected(t *testing.T) {
	t.Parallel()
	in := startSocketServer(t, nil, holdOpen)
	out := startSocketServer(t, func(int) bool { return true }, holdOpen)
	m := startMachine(t, in, out)

	waitFor(t, "audio-in open", func() bool { return m.IsOpen(link.RoleAudioIn) })
	waitFor(t, "audio-out retries", func() bool { return out.dials.Load() >= 3 })
	if m.Status() != link.StatusConnecting {
		t.Errorf("Status = %v with only audio-in open, want connecting", m.Status())
	}
}

func TestDialFailure_RetriesWithoutLimit(t *testing.T) {
	t.Parallel()
	in := startSocketServer(t, func(n int) bool { return n <= 4 }, holdOpen)
	out := startSocketServer(t, nil, holdOpen)

	var downs atomic.Int32
	m := startMachine(t, in, out, link.WithOnDown(func(r link.Role) {
		if r == link.RoleAudioIn {
			downs.Add(1)
		}
	}))

	waitFor(t, "connected after failed dials", func() bool { return m.Status() == link.StatusConnected })
	if in.dials.Load() != 5 {
		t.Errorf("audio-in dials = %d, want 5", in.dials.Load())
	}
	if downs.Load() == 0 {
		t.Error("onDown never fired for failed dials")
	}
}

func TestSend_DeliversBinaryFrames(t *testing.T) {
	t.Parallel()
	got := make(chan []byte, 4)
	in := startSocketServer(t, nil, func(conn *websocket.Conn, r *http.Request, _ int) {
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				got <- data
			}
		}
	})
	out := startSocketServer(t, nil, holdOpen)
	m := startMachine(t, in, out)

	frame := audio.AudioFrame{Data: []byte{1, 2, 3, 4}, SampleRate: 16000, Channels: 1}
	if m.Send(frame) && !m.IsOpen(link.RoleAudioIn) {
		t.Fatal("Send accepted a frame before the socket opened")
	}
	waitFor(t, "audio-in open", func() bool { return m.IsOpen(link.RoleAudioIn) })

	if !m.Send(frame) {
		t.Fatal("Send refused a frame on an open socket")
	}
	select {
	case data := <-got:
		if string(data) != string(frame.Data) {
			t.Errorf("server got %v, want %v", data, frame.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestSend_RefusedBeforeStart(t *testing.T) {
	t.Parallel()
	m := link.New("ws://127.0.0.1:1/in", "ws://127.0.0.1:1/out", link.WithMetrics(testMetrics(t)))
	if m.Send(audio.AudioFrame{Data: []byte{0, 0}}) {
		t.Error("Send succeeded without a socket")
	}
	if m.Status() != link.StatusConnecting {
		t.Errorf("initial Status = %v, want connecting", m.Status())
	}
}

func TestMessages_RoutedByType(t *testing.T) {
	t.Parallel()
	in := startSocketServer(t, nil, holdOpen)
	out := startSocketServer(t, nil, func(conn *websocket.Conn, r *http.Request, n int) {
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"info"}`))
		_ = conn.Write(r.Context(), websocket.MessageBinary, []byte{9, 9})
		holdOpen(conn, r, n)
	})

	msgs := make(chan link.Message, 4)
	startMachine(t, in, out, link.WithOnMessage(func(role link.Role, msg link.Message) {
		if role == link.RoleAudioOut {
			msgs <- msg
		}
	}))

	for i, want := range []link.Message{{Text: true, Data: []byte(`{"type":"info"}`)}, {Data: []byte{9, 9}}} {
		select {
		case got := <-msgs:
			if got.Text != want.Text || string(got.Data) != string(want.Data) {
				t.Errorf("message %d = %+v, want %+v", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}

func TestEndCall_ClosesAudioInAndNeverReopens(t *testing.T) {
	t.Parallel()
	closeErr := make(chan error, 1)
	in := startSocketServer(t, nil, func(conn *websocket.Conn, r *http.Request, _ int) {
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				closeErr <- err
				return
			}
		}
	})
	out := startSocketServer(t, nil, holdOpen)
	m := startMachine(t, in, out)
	waitFor(t, "connected", func() bool { return m.Status() == link.StatusConnected })

	m.EndCall()

	select {
	case err := <-closeErr:
		var ce websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("server read error = %v, want a close frame", err)
		}
		if ce.Code != websocket.StatusNormalClosure || ce.Reason != link.EndCallReason {
			t.Errorf("close = %d %q, want normal closure %q", ce.Code, ce.Reason, link.EndCallReason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio-in was not closed")
	}

	waitFor(t, "audio-in down", func() bool { return !m.IsOpen(link.RoleAudioIn) })
	time.Sleep(10 * testRetry)
	if n := in.dials.Load(); n != 1 {
		t.Errorf("audio-in dialed %d times, want no reopen after end-call", n)
	}
	if !m.IsOpen(link.RoleAudioOut) {
		t.Error("audio-out closed by end-call")
	}
	if m.Status() != link.StatusConnecting {
		t.Errorf("Status = %v after end-call, want connecting", m.Status())
	}
}

func TestAudioOut_ReconnectsAfterEndCall(t *testing.T) {
	t.Parallel()
	in := startSocketServer(t, nil, holdOpen)
	out := startSocketServer(t, nil, func(conn *websocket.Conn, r *http.Request, n int) {
		if n == 1 {
			time.Sleep(50 * time.Millisecond)
			return
		}
		holdOpen(conn, r, n)
	})
	m := startMachine(t, in, out)
	waitFor(t, "audio-out open", func() bool { return m.IsOpen(link.RoleAudioOut) })
	m.EndCall()

	waitFor(t, "audio-out redial", func() bool { return out.dials.Load() >= 2 })
	waitFor(t, "audio-out reopen", func() bool { return m.IsOpen(link.RoleAudioOut) })
}

func TestReconnectDisabled(t *testing.T) {
	t.Parallel()
	in := startSocketServer(t, nil, func(*websocket.Conn, *http.Request, int) {})
	out := startSocketServer(t, nil, holdOpen)
	m := startMachine(t, in, out, link.WithReconnect(false))

	waitFor(t, "first audio-in attempt", func() bool { return in.dials.Load() == 1 })
	waitFor(t, "audio-in closed", func() bool { return !m.IsOpen(link.RoleAudioIn) })
	time.Sleep(10 * testRetry)
	if n := in.dials.Load(); n != 1 {
		t.Errorf("audio-in dialed %d times with reconnect disabled", n)
	}
}

func TestOpenHookPerSocket(t *testing.T) {
	t.Parallel()
	in := startSocketServer(t, nil, holdOpen)
	out := startSocketServer(t, nil, holdOpen)

	var mu sync.Mutex
	opened := map[link.Role]int{}
	m := startMachine(t, in, out, link.WithOnOpen(func(r link.Role) {
		mu.Lock()
		opened[r]++
		mu.Unlock()
	}))
	waitFor(t, "connected", func() bool { return m.Status() == link.StatusConnected })

	mu.Lock()
	defer mu.Unlock()
	if opened[link.RoleAudioIn] != 1 || opened[link.RoleAudioOut] != 1 {
		t.Errorf("onOpen calls = %v, want one per role", opened)
	}
}

func TestClose_IdempotentAndFinal(t *testing.T) {
	t.Parallel()
	in := startSocketServer(t, nil, holdOpen)
	out := startSocketServer(t, nil, holdOpen)
	m := startMachine(t, in, out)
	waitFor(t, "connected", func() bool { return m.Status() == link.StatusConnected })

	for range 3 {
		if err := m.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if m.Status() != link.StatusConnecting || m.IsOpen(link.RoleAudioIn) {
		t.Error("sockets still reported open after Close")
	}
	time.Sleep(10 * testRetry)
	if in.dials.Load() != 1 || out.dials.Load() != 1 {
		t.Errorf("redialed after Close: in=%d out=%d", in.dials.Load(), out.dials.Load())
	}
	if m.Send(audio.AudioFrame{Data: []byte{0, 0}}) {
		t.Error("Send succeeded after Close")
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("Start after Close should fail")
	}
}

func TestRoleAndStatusStrings(t *testing.T) {
	t.Parallel()
	if link.RoleAudioIn.String() != "audio_in" || link.RoleAudioOut.String() != "audio_out" {
		t.Error("unexpected role names")
	}
	if link.StatusConnected.String() != "connected" || link.StatusConnecting.String() != "connecting" {
		t.Error("unexpected status names")
	}
}
