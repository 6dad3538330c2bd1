package speaker

import "testing"

func TestPCMStreamer_Stereo(t *testing.T) {
	t.Parallel()
	s := newPCMStreamer([]int16{16384, -16384, 0, 32767}, 2)

	buf := make([][2]float64, 4)
	n, ok := s.Stream(buf)
	if !ok || n != 2 {
		t.Fatalf("Stream = (%d, %v), want (2, true)", n, ok)
	}
	if buf[0] != [2]float64{0.5, -0.5} {
		t.Errorf("frame 0 = %v, want [0.5 -0.5]", buf[0])
	}
	if buf[1][0] != 0 || buf[1][1] <= 0.99 {
		t.Errorf("frame 1 = %v", buf[1])
	}

	if n, ok := s.Stream(buf); ok || n != 0 {
		t.Errorf("drained Stream = (%d, %v), want (0, false)", n, ok)
	}
}

func TestPCMStreamer_MonoDuplicates(t *testing.T) {
	t.Parallel()
	s := newPCMStreamer([]int16{-32768, 8192, 8192}, 1)

	buf := make([][2]float64, 2)
	n, ok := s.Stream(buf)
	if !ok || n != 2 {
		t.Fatalf("Stream = (%d, %v), want (2, true)", n, ok)
	}
	if buf[0] != [2]float64{-1, -1} {
		t.Errorf("frame 0 = %v, want [-1 -1]", buf[0])
	}

	// The remainder arrives on the next call.
	n, ok = s.Stream(buf)
	if !ok || n != 1 || buf[0] != [2]float64{0.25, 0.25} {
		t.Errorf("second Stream = (%d, %v) %v", n, ok, buf[0])
	}
}

func TestNew_Options(t *testing.T) {
	t.Parallel()
	s := New(WithSampleRate(44100), WithBuffer(0))
	if s.rate != 44100 {
		t.Errorf("rate = %d, want 44100", s.rate)
	}
	if s.buffer != DefaultBuffer {
		t.Errorf("buffer = %v, want default", s.buffer)
	}
	if s.conv.Target.Channels != 2 || s.conv.Target.SampleRate != 44100 {
		t.Errorf("converter target = %v", s.conv.Target)
	}
}
