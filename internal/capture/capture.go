// Package capture streams microphone audio to the backend.
//
// A [Pipeline] owns one microphone stream. Every block the device delivers is
// converted to 16-bit PCM and handed to a [Sender] right away. Blocks are
// discarded, never buffered, while the pipeline is muted or the sender
// refuses them (socket not open or its send buffer full).
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/pkg/audio"
)

const (
	// DefaultSampleRate is the outbound PCM rate expected by the backend.
	DefaultSampleRate = 16000

	// DefaultBlockSize is the number of samples per outbound frame.
	DefaultBlockSize = 4096
)

// ErrStopped is returned by [Pipeline.Start] once the pipeline was stopped.
// The microphone is never re-acquired after a call ends.
var ErrStopped = errors.New("capture: pipeline stopped")

// Sender transmits one outbound frame without blocking. It returns false when
// the frame could not be sent.
type Sender interface {
	Send(frame audio.AudioFrame) bool
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithSampleRate overrides [DefaultSampleRate].
func WithSampleRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.cfg.SampleRate = hz
		}
	}
}

// WithBlockSize overrides [DefaultBlockSize].
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.cfg.BlockSize = n
		}
	}
}

// WithDevice selects a named input device.
func WithDevice(name string) Option {
	return func(p *Pipeline) { p.cfg.Device = name }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is the outbound capture path. All methods are safe for concurrent
// use.
type Pipeline struct {
	mic     audio.Microphone
	sender  Sender
	cfg     audio.CaptureConfig
	metrics *observe.Metrics

	muted atomic.Bool
	// active holds the generation whose callback may transmit; 0 detaches
	// every callback.
	active  atomic.Uint64
	samples atomic.Int64

	mu      sync.Mutex
	gen     uint64
	stream  audio.InputStream
	stopped bool
}

// New creates a pipeline. Nothing is acquired until [Pipeline.Start].
func New(mic audio.Microphone, sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:    mic,
		sender: sender,
		cfg: audio.CaptureConfig{
			SampleRate: DefaultSampleRate,
			BlockSize:  DefaultBlockSize,
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start acquires the microphone and begins streaming. It is a no-op while a
// stream is already open. A device failure is returned as is; the pipeline
// stays idle and does not retry on its own.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.stream != nil {
		return nil
	}

	p.gen++
	gen := p.gen
	p.active.Store(gen)

	stream, err := p.mic.Open(ctx, p.cfg, func(block []float32) { p.process(gen, block) })
	if err != nil {
		p.active.Store(0)
		slog.Error("capture: failed to open microphone", "err", err)
		return fmt.Errorf("capture: open microphone: %w", err)
	}
	p.stream = stream
	slog.Info("capture: microphone streaming",
		"sample_rate", p.cfg.SampleRate,
		"block_size", p.cfg.BlockSize,
		"muted", p.muted.Load(),
	)
	return nil
}

// SetMuted gates transmission. Muted blocks are discarded, not queued.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Muted reports whether transmission is gated.
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// Running reports whether a microphone stream is open.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// Stopped reports whether [Pipeline.Stop] was called.
func (p *Pipeline) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Suspend detaches processing and releases the device after the audio-in
// socket failed. A later [Pipeline.Start] may acquire it again.
func (p *Pipeline) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.releaseLocked(); err != nil {
		slog.Warn("capture: release microphone", "err", err)
	}
}

// Stop mutes, releases the device and detaches processing. The pipeline
// cannot be started again. Stop is idempotent and safe in any state.
func (p *Pipeline) Stop() error {
	p.muted.Store(true)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	if err := p.releaseLocked(); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return nil
}

// releaseLocked must be called with p.mu held.
func (p *Pipeline) releaseLocked() error {
	p.active.Store(0)
	if p.stream == nil {
		return nil
	}
	stream := p.stream
	p.stream = nil
	slog.Debug("capture: microphone released")
	return stream.Stop()
}

// process handles one device block.
func (p *Pipeline) process(gen uint64, block []float32) {
	if p.active.Load() != gen {
		return
	}
	ctx := context.Background()
	offset := p.samples.Add(int64(len(block))) - int64(len(block))

	if p.muted.Load() {
		p.metrics.RecordFrameDropped(ctx, observe.DropMuted)
		return
	}

	frame := audio.Float32Frame(block, p.cfg.SampleRate)
	frame.Timestamp = time.Duration(offset) * time.Second / time.Duration(p.cfg.SampleRate)
	if !p.sender.Send(frame) {
		p.metrics.RecordFrameDropped(ctx, observe.DropLinkDown)
		return
	}
	p.metrics.FramesSent.Add(ctx, 1)
}
