package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Of returns the format of f.
func Of(f AudioFrame) Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// FormatConverter adapts frames to a fixed output format. Backend chunks
// arrive in whatever format the server chose; the output device is opened
// once with Target.
//
// Not safe for concurrent use; the playback dispatcher owns one instance.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is. A frame whose data does not divide into whole
// samples yields an empty frame.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	out := AudioFrame{
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
	if frame.Channels <= 0 || len(frame.Data)%(2*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: pcm data not aligned to whole samples, dropping frame",
				"bytes", len(frame.Data),
				"format", Of(frame),
			)
		})
		return out
	}
	if Of(frame) == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting chunk format", "from", Of(frame), "to", c.Target)
	})

	// Downmix before resampling so fewer channels are interpolated; upmix
	// after for the same reason.
	pcm, channels := frame.Data, frame.Channels
	if c.Target.Channels < channels {
		pcm, channels = Remix(pcm, channels, c.Target.Channels), c.Target.Channels
	}
	pcm = Resample16(pcm, channels, frame.SampleRate, c.Target.SampleRate)
	if c.Target.Channels > channels {
		pcm = Remix(pcm, channels, c.Target.Channels)
	}
	out.Data = pcm
	return out
}

// Remix converts interleaved int16 PCM between channel layouts. Going down to
// mono averages all channels; going up from mono duplicates the sample. Any
// other combination keeps the first min(from, to) channels and zero-fills the
// rest.
func Remix(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*2*to)
	for i := range frames {
		src := pcm[i*2*from:]
		dst := out[i*2*to:]
		switch {
		case to == 1:
			var sum int32
			for ch := range from {
				sum += int32(int16(src[ch*2]) | int16(src[ch*2+1])<<8)
			}
			putSample(dst, 0, clamp16(sum/int32(from)))
		case from == 1:
			for ch := range to {
				dst[ch*2] = src[0]
				dst[ch*2+1] = src[1]
			}
		default:
			copy(dst, src[:2*min(from, to)])
		}
	}
	return out
}

// Resample16 resamples interleaved int16 PCM with linear interpolation per
// channel. Equal or invalid rates return pcm unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	stride := 2 * channels
	srcFrames := len(pcm) / stride
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*stride)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := sampleAt(pcm, idx*stride+ch*2)
			s1 := sampleAt(pcm, next*stride+ch*2)
			v := float64(s0)*(1-frac) + float64(s1)*frac
			putSample(out, i*stride+ch*2, int16(v))
		}
	}
	return out
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte { return Remix(pcm, 1, 2) }

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []byte) []byte { return Remix(pcm, 2, 1) }

func sampleAt(pcm []byte, off int) int16 {
	return int16(pcm[off]) | int16(pcm[off+1])<<8
}

func putSample(pcm []byte, off int, s int16) {
	pcm[off] = byte(s)
	pcm[off+1] = byte(s >> 8)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString renders a format for logs, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
