package audio

import "context"

// CaptureConfig is passed to [Microphone.Open].
type CaptureConfig struct {
	SampleRate int
	BlockSize  int
	// Device selects an input device by name; empty means the system default.
	Device string
}

// InputStream is an open microphone. Stop releases the device; it is safe to
// call more than once.
type InputStream interface {
	Stop() error
}

// Microphone acquires an input device. onBlock is called from the device's
// own goroutine with mono float samples in [-1, 1] and must not retain the
// slice.
type Microphone interface {
	Open(ctx context.Context, cfg CaptureConfig, onBlock func([]float32)) (InputStream, error)
}

// Sink plays decoded audio. Play blocks until the frame has been played out
// or ctx is cancelled, in which case output stops immediately and ctx.Err()
// is returned.
type Sink interface {
	Play(ctx context.Context, frame AudioFrame) error
}
