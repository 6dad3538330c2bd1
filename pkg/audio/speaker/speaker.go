// Package speaker implements [audio.Sink] on the system output device using
// gopxl/beep.
//
// The beep speaker is process-global: it is initialised once at a fixed
// output rate and every frame is converted to stereo at that rate before it
// is handed to the mixer.
package speaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep"
	beepspeaker "github.com/gopxl/beep/speaker"

	"github.com/MrWong99/callwire/pkg/audio"
)

const (
	// DefaultSampleRate is the output device rate in Hz.
	DefaultSampleRate = 48000

	// DefaultBuffer is the device buffer length. Smaller values lower latency
	// at the cost of underruns on a busy machine.
	DefaultBuffer = 100 * time.Millisecond
)

var (
	initOnce sync.Once
	initRate beep.SampleRate
	initErr  error
)

// Option configures a [Sink].
type Option func(*Sink)

// WithSampleRate sets the output device rate.
func WithSampleRate(hz int) Option {
	return func(s *Sink) {
		if hz > 0 {
			s.rate = hz
		}
	}
}

// WithBuffer sets the output device buffer length.
func WithBuffer(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.buffer = d
		}
	}
}

// Sink plays frames on the default output device.
type Sink struct {
	rate   int
	buffer time.Duration
	conv   audio.FormatConverter
}

// New returns a Sink. The device is opened on the first call to Play.
func New(opts ...Option) *Sink {
	s := &Sink{rate: DefaultSampleRate, buffer: DefaultBuffer}
	for _, o := range opts {
		o(s)
	}
	s.conv = audio.FormatConverter{Target: audio.Format{SampleRate: s.rate, Channels: 2}}
	return s
}

// Play implements [audio.Sink]. It blocks until frame has been mixed out or
// ctx is cancelled; cancellation silences the frame on the next device
// callback.
func (s *Sink) Play(ctx context.Context, frame audio.AudioFrame) error {
	if err := s.init(); err != nil {
		return err
	}
	out := s.conv.Convert(frame)
	if len(out.Data) == 0 {
		return nil
	}

	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: newPCMStreamer(audio.BytesToInt16(out.Data), out.Channels)}
	beepspeaker.Play(beep.Seq(ctrl, beep.Callback(func() { close(done) })))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		beepspeaker.Lock()
		ctrl.Streamer = nil
		beepspeaker.Unlock()
		return ctx.Err()
	}
}

func (s *Sink) init() error {
	initOnce.Do(func() {
		initRate = beep.SampleRate(s.rate)
		if err := beepspeaker.Init(initRate, initRate.N(s.buffer)); err != nil {
			initErr = fmt.Errorf("speaker: init output device: %w", err)
		}
	})
	if initErr != nil {
		return initErr
	}
	if int(initRate) != s.rate {
		return fmt.Errorf("speaker: device already running at %d Hz, want %d Hz", int(initRate), s.rate)
	}
	return nil
}

// pcmStreamer adapts interleaved int16 PCM to a [beep.Streamer].
type pcmStreamer struct {
	pcm      []int16
	channels int
	pos      int // next sample frame
}

func newPCMStreamer(pcm []int16, channels int) *pcmStreamer {
	if channels < 1 {
		channels = 1
	}
	return &pcmStreamer{pcm: pcm, channels: channels}
}

// Stream implements [beep.Streamer]. Mono input is copied to both sides.
func (p *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	total := len(p.pcm) / p.channels
	if p.pos >= total {
		return 0, false
	}
	n := 0
	for n < len(samples) && p.pos < total {
		base := p.pos * p.channels
		left := float64(p.pcm[base]) / 32768
		right := left
		if p.channels > 1 {
			right = float64(p.pcm[base+1]) / 32768
		}
		samples[n] = [2]float64{left, right}
		n++
		p.pos++
	}
	return n, true
}

// Err implements [beep.Streamer].
func (p *pcmStreamer) Err() error { return nil }
