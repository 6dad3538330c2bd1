package audio

import "math"

// Float32ToInt16 converts normalised float samples to signed 16-bit PCM.
//
// Each sample is clamped to [-1, 1] first. Negative values scale by 32768 and
// non-negative values by 32767, so -1 maps to -32768 and 1 maps to 32767.
// NaN is treated as silence. The output has the same length as src; src is
// not modified.
func Float32ToInt16(src []float32) []int16 {
	out := make([]int16, len(src))
	for i, s := range src {
		x := float64(s)
		switch {
		case math.IsNaN(x):
			x = 0
		case x > 1:
			x = 1
		case x < -1:
			x = -1
		}
		if x < 0 {
			out[i] = int16(math.Round(x * 32768))
		} else {
			out[i] = int16(math.Round(x * 32767))
		}
	}
	return out
}

// Int16ToBytes serialises samples as little-endian PCM.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16 parses little-endian PCM. A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Float32Frame converts one capture block into a mono [AudioFrame].
func Float32Frame(src []float32, sampleRate int) AudioFrame {
	return AudioFrame{
		Data:       Int16ToBytes(Float32ToInt16(src)),
		SampleRate: sampleRate,
		Channels:   1,
	}
}
