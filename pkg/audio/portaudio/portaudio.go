// Package portaudio implements [audio.Microphone] on the system input device
// using PortAudio.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/callwire/pkg/audio"
)

// Microphone opens mono input streams. The zero value is ready to use.
type Microphone struct{}

// Open implements [audio.Microphone]. PortAudio is initialised per stream and
// terminated when the stream stops, so an idle process holds no device.
func (Microphone) Open(_ context.Context, cfg audio.CaptureConfig, onBlock func([]float32)) (audio.InputStream, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	params, err := inputParams(cfg)
	if err != nil {
		_ = pa.Terminate()
		return nil, err
	}

	buf := make([]float32, cfg.BlockSize)
	cb := func(in []float32) {
		// PortAudio reuses in; hand the consumer a stable slice.
		n := copy(buf, in)
		onBlock(buf[:n])
	}

	stream, err := pa.OpenStream(params, cb)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}
	slog.Info("portaudio: input opened", "device", params.Input.Device.Name, "sample_rate", cfg.SampleRate, "block_size", cfg.BlockSize)
	return &inputStream{stream: stream}, nil
}

func inputParams(cfg audio.CaptureConfig) (pa.StreamParameters, error) {
	dev, err := pa.DefaultInputDevice()
	if err != nil {
		return pa.StreamParameters{}, fmt.Errorf("portaudio: default input: %w", err)
	}
	if cfg.Device != "" {
		devices, err := pa.Devices()
		if err != nil {
			return pa.StreamParameters{}, fmt.Errorf("portaudio: list devices: %w", err)
		}
		dev = nil
		for _, d := range devices {
			if d.Name == cfg.Device && d.MaxInputChannels > 0 {
				dev = d
				break
			}
		}
		if dev == nil {
			return pa.StreamParameters{}, fmt.Errorf("portaudio: input device %q not found", cfg.Device)
		}
	}
	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.BlockSize
	return params, nil
}

type inputStream struct {
	stream *pa.Stream
	once   sync.Once
	err    error
}

// Stop stops and closes the stream and releases PortAudio.
func (s *inputStream) Stop() error {
	s.once.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.err = fmt.Errorf("portaudio: stop stream: %w", err)
		}
		if err := s.stream.Close(); err != nil && s.err == nil {
			s.err = fmt.Errorf("portaudio: close stream: %w", err)
		}
		if err := pa.Terminate(); err != nil && s.err == nil {
			s.err = fmt.Errorf("portaudio: terminate: %w", err)
		}
	})
	return s.err
}

// Probe reports whether a default input device is available. It is suitable
// as a media acquisition probe.
func Probe(context.Context) error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer func() { _ = pa.Terminate() }()
	if _, err := pa.DefaultInputDevice(); err != nil {
		return fmt.Errorf("portaudio: default input: %w", err)
	}
	return nil
}
