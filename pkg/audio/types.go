// Package audio holds the PCM primitives shared by the capture and playback
// paths: the [AudioFrame] carrier, float/int16 sample conversion and
// sample-rate / channel adaptation.
package audio

import (
	"fmt"
	"time"
)

// AudioFrame is a block of little-endian int16 PCM. It is the unit both
// directions work in: microphone blocks on the way out, decoded chunks on the
// way in.
type AudioFrame struct {
	// Data is interleaved little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (16000 for outbound microphone frames).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel held by f.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback length of f. Frames without a sample rate
// report zero.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// String implements [fmt.Stringer] for log output.
func (f AudioFrame) String() string {
	return fmt.Sprintf("AudioFrame{%s, %d bytes}", formatString(f.SampleRate, f.Channels), len(f.Data))
}
