package codec

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/callwire/pkg/audio"
)

const (
	opusSampleRate = 48000
	// opusMaxFrameSize is the largest Opus frame (120 ms) in samples per channel.
	opusMaxFrameSize = opusSampleRate * 120 / 1000
)

// Opus decodes one Opus packet per chunk. Decoder state carries across
// packets, so one instance serves one inbound stream.
type Opus struct {
	mu       sync.Mutex
	dec      *gopus.Decoder
	channels int
}

// NewOpus creates a 48 kHz Opus decoder with the given channel count.
func NewOpus(channels int) (*Opus, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Opus{dec: dec, channels: channels}, nil
}

// Decode implements [Decoder].
func (o *Opus) Decode(data []byte) (audio.AudioFrame, error) {
	if len(data) == 0 {
		return audio.AudioFrame{}, ErrEmptyChunk
	}
	o.mu.Lock()
	pcm, err := o.dec.Decode(data, opusMaxFrameSize, false)
	o.mu.Unlock()
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("%w: opus: %v", ErrMalformed, err)
	}
	return audio.AudioFrame{
		Data:       audio.Int16ToBytes(pcm),
		SampleRate: opusSampleRate,
		Channels:   o.channels,
	}, nil
}
