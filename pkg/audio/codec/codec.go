// Package codec decodes the binary audio chunks pushed by the backend into
// PCM [audio.AudioFrame]s.
//
// Each binary message is decoded on its own. Container formats (WAV, MP3)
// carry their own sample rate and channel count; headerless formats (raw
// PCM16, Opus packets) take them from [Config].
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/MrWong99/callwire/pkg/audio"
)

// Format names a chunk encoding.
type Format string

const (
	// FormatAuto sniffs each chunk and falls back to raw PCM16.
	FormatAuto  Format = "auto"
	FormatWAV   Format = "wav"
	FormatMP3   Format = "mp3"
	FormatOpus  Format = "opus"
	FormatPCM16 Format = "pcm16"
)

// IsValid reports whether f is a recognised chunk format.
func (f Format) IsValid() bool {
	switch f {
	case FormatAuto, FormatWAV, FormatMP3, FormatOpus, FormatPCM16:
		return true
	}
	return false
}

var (
	// ErrEmptyChunk is returned for zero-length messages.
	ErrEmptyChunk = errors.New("codec: empty chunk")

	// ErrMalformed is returned when a chunk cannot be interpreted in its format.
	ErrMalformed = errors.New("codec: malformed chunk")
)

// Decoder turns one backend message into PCM.
type Decoder interface {
	Decode(data []byte) (audio.AudioFrame, error)
}

// Config describes headerless chunks. Zero values select the defaults.
type Config struct {
	Format Format

	// SampleRate of raw PCM16 chunks. Default 24000. Opus always decodes at 48000.
	SampleRate int

	// Channels of raw PCM16 and Opus chunks. Default 1.
	Channels int
}

const (
	defaultPCMSampleRate = 24000
	defaultChannels      = 1
)

// New returns a decoder for cfg.Format. An empty format selects [FormatAuto].
func New(cfg Config) (Decoder, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultPCMSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = defaultChannels
	}
	switch cfg.Format {
	case "", FormatAuto:
		return &Auto{Fallback: &PCM16{SampleRate: cfg.SampleRate, Channels: cfg.Channels}}, nil
	case FormatWAV:
		return WAV{}, nil
	case FormatMP3:
		return MP3{}, nil
	case FormatPCM16:
		return &PCM16{SampleRate: cfg.SampleRate, Channels: cfg.Channels}, nil
	case FormatOpus:
		return NewOpus(cfg.Channels)
	default:
		return nil, fmt.Errorf("codec: unsupported format %q", cfg.Format)
	}
}

// Sniff guesses the container of data from its leading bytes. It returns
// [FormatPCM16] when nothing matches.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MPEG audio frame sync.
		return FormatMP3
	}
	return FormatPCM16
}

// Auto dispatches each chunk by [Sniff].
type Auto struct {
	// Fallback decodes chunks that carry no recognisable header.
	Fallback Decoder
}

// Decode implements [Decoder].
func (a *Auto) Decode(data []byte) (audio.AudioFrame, error) {
	if len(data) == 0 {
		return audio.AudioFrame{}, ErrEmptyChunk
	}
	switch Sniff(data) {
	case FormatWAV:
		return WAV{}.Decode(data)
	case FormatMP3:
		return MP3{}.Decode(data)
	}
	if a.Fallback == nil {
		return audio.AudioFrame{}, fmt.Errorf("%w: unrecognised container", ErrMalformed)
	}
	return a.Fallback.Decode(data)
}

// PCM16 passes headerless little-endian int16 PCM through.
type PCM16 struct {
	SampleRate int
	Channels   int
}

// Decode implements [Decoder]. The returned frame aliases data.
func (p *PCM16) Decode(data []byte) (audio.AudioFrame, error) {
	if len(data) == 0 {
		return audio.AudioFrame{}, ErrEmptyChunk
	}
	if len(data)%(2*p.Channels) != 0 {
		return audio.AudioFrame{}, fmt.Errorf("%w: %d bytes is not a whole number of %d-channel samples", ErrMalformed, len(data), p.Channels)
	}
	return audio.AudioFrame{Data: data, SampleRate: p.SampleRate, Channels: p.Channels}, nil
}
