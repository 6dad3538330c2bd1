package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/callwire/pkg/audio"
)

// streamBlock is the number of frames pulled from a beep streamer per call.
const streamBlock = 512

// WAV decodes a complete RIFF/WAVE file.
type WAV struct{}

// Decode implements [Decoder].
func (WAV) Decode(data []byte) (audio.AudioFrame, error) {
	if len(data) == 0 {
		return audio.AudioFrame{}, ErrEmptyChunk
	}
	s, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("%w: wav: %v", ErrMalformed, err)
	}
	defer s.Close()
	return drainStreamer(s, format)
}

// MP3 decodes a complete MP3 clip.
type MP3 struct{}

// Decode implements [Decoder].
func (MP3) Decode(data []byte) (audio.AudioFrame, error) {
	if len(data) == 0 {
		return audio.AudioFrame{}, ErrEmptyChunk
	}
	s, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("%w: mp3: %v", ErrMalformed, err)
	}
	defer s.Close()
	return drainStreamer(s, format)
}

// drainStreamer reads s to the end and packs it as int16 PCM. beep always
// yields stereo pairs; mono sources keep only the left channel.
func drainStreamer(s beep.Streamer, format beep.Format) (audio.AudioFrame, error) {
	channels := format.NumChannels
	if channels != 1 {
		channels = 2
	}

	var samples []float32
	if l, ok := s.(beep.StreamSeeker); ok && l.Len() > 0 {
		samples = make([]float32, 0, l.Len()*channels)
	}
	buf := make([][2]float64, streamBlock)
	for {
		n, ok := s.Stream(buf)
		for _, pair := range buf[:n] {
			samples = append(samples, float32(pair[0]))
			if channels == 2 {
				samples = append(samples, float32(pair[1]))
			}
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return audio.AudioFrame{}, fmt.Errorf("%w: stream: %v", ErrMalformed, err)
	}

	return audio.AudioFrame{
		Data:       audio.Int16ToBytes(audio.Float32ToInt16(samples)),
		SampleRate: int(format.SampleRate),
		Channels:   channels,
	}, nil
}
