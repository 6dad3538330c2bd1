// Package mock provides in-memory implementations of the [audio.Microphone]
// and [audio.Sink] device interfaces plus a frame [Sender] for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on counts and arguments, and expose fields the test sets to control
// return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	tx := &mock.Sender{Accept: true}
//	p := capture.New(mic, tx)
//	_ = p.Start(ctx)
//	mic.Emit(make([]float32, 4096))
//	frames := tx.Frames()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/callwire/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone]. Blocks are injected with
// [Microphone.Emit].
type Microphone struct {
	mu sync.Mutex

	// OpenError is returned by Open. When set, no stream is created.
	OpenError error

	// OpenCalls records the config of every Open call.
	OpenCalls []audio.CaptureConfig

	// CallCountStop counts Stop calls across all streams.
	CallCountStop int

	onBlock func([]float32)
	open    bool
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, cfg audio.CaptureConfig, onBlock func([]float32)) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, cfg)
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	m.onBlock = onBlock
	m.open = true
	return &inputStream{mic: m}, nil
}

// Emit delivers block to the callback of the most recently opened stream as
// the device goroutine would. The callback keeps being reachable after the
// stream stops, which lets tests prove the consumer detached it. Emit does
// nothing if Open was never called.
func (m *Microphone) Emit(block []float32) {
	m.mu.Lock()
	cb := m.onBlock
	m.mu.Unlock()
	if cb != nil {
		cb(block)
	}
}

// IsOpen reports whether a stream is currently open.
func (m *Microphone) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// OpenCount returns the number of Open calls.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// StopCount returns CallCountStop.
func (m *Microphone) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountStop
}

type inputStream struct {
	mic  *Microphone
	once sync.Once
}

func (s *inputStream) Stop() error {
	s.once.Do(func() {
		s.mic.mu.Lock()
		s.mic.CallCountStop++
		s.mic.open = false
		s.mic.mu.Unlock()
	})
	return nil
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink]. Each Play call blocks for PlayDuration, or
// until its context is cancelled.
type Sink struct {
	mu sync.Mutex

	// PlayDuration is how long each Play takes. Zero returns immediately.
	PlayDuration time.Duration

	// PlayError is returned by Play after a frame finished.
	PlayError error

	// Started records every frame passed to Play, in call order.
	Started []audio.AudioFrame

	// Finished records frames that played to completion.
	Finished []audio.AudioFrame

	// CallCountCancelled counts Play calls ended by context cancellation.
	CallCountCancelled int
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, frame audio.AudioFrame) error {
	s.mu.Lock()
	s.Started = append(s.Started, frame)
	d := s.PlayDuration
	s.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.CallCountCancelled++
			s.mu.Unlock()
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		s.mu.Lock()
		s.CallCountCancelled++
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Finished = append(s.Finished, frame)
	return s.PlayError
}

// SetPlayDuration changes PlayDuration under the lock.
func (s *Sink) SetPlayDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlayDuration = d
}

// StartedFrames returns a copy of Started.
func (s *Sink) StartedFrames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.Started...)
}

// FinishedFrames returns a copy of Finished.
func (s *Sink) FinishedFrames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.Finished...)
}

// Cancelled returns CallCountCancelled.
func (s *Sink) Cancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountCancelled
}

// ─── Sender ───────────────────────────────────────────────────────────────────

// Sender records outbound frames. Send succeeds only while Accept is true.
type Sender struct {
	mu sync.Mutex

	// Accept controls the return value of Send.
	Accept bool

	// Sent holds accepted frames.
	Sent []audio.AudioFrame

	// CallCountSend counts every Send call, accepted or not.
	CallCountSend int
}

// Send records frame when Accept is true.
func (s *Sender) Send(frame audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountSend++
	if !s.Accept {
		return false
	}
	s.Sent = append(s.Sent, frame)
	return true
}

// SetAccept changes Accept under the lock.
func (s *Sender) SetAccept(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Accept = v
}

// Frames returns a copy of Sent.
func (s *Sender) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.Sent...)
}
