// Package media models the local audio and video tracks of a call.
//
// Tracks carry an enabled flag and a one-way stopped flag. Video never leaves
// the process; audio tracks gate the capture pipeline. An [Acquirer] produces
// a [Stream] holding one track per requested kind; when the user denies
// access it returns an error wrapping [ErrPermissionDenied].
//
// This package lives under pkg/ because device adapters outside this module
// are expected to implement [Acquirer].
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrPermissionDenied is wrapped by acquirers when access to a device was
// refused.
var ErrPermissionDenied = errors.New("media: permission denied")

// Kind classifies a [Track].
type Kind int

const (
	// KindAudio is a microphone track.
	KindAudio Kind = iota

	// KindVideo is a camera track.
	KindVideo
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Track is one local media track. All methods are safe for concurrent use.
type Track struct {
	id      string
	kind    Kind
	enabled atomic.Bool
	stopped atomic.Bool
}

// NewTrack returns an enabled track with a fresh id.
func NewTrack(kind Kind) *Track {
	t := &Track{id: uuid.NewString(), kind: kind}
	t.enabled.Store(true)
	return t
}

// ID returns the track id.
func (t *Track) ID() string { return t.id }

// Kind returns the track kind.
func (t *Track) Kind() Kind { return t.kind }

// Enabled reports whether the track is enabled and not stopped.
func (t *Track) Enabled() bool { return t.enabled.Load() && !t.stopped.Load() }

// SetEnabled toggles the track. It has no effect after [Track.Stop].
func (t *Track) SetEnabled(v bool) {
	if t.stopped.Load() {
		return
	}
	t.enabled.Store(v)
}

// Stop permanently ends the track. Stop is idempotent.
func (t *Track) Stop() {
	t.stopped.Store(true)
	t.enabled.Store(false)
}

// Stopped reports whether Stop was called.
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Stream groups the tracks returned by one acquisition.
type Stream struct {
	mu     sync.Mutex
	tracks []*Track
}

// NewStream returns a stream holding tracks.
func NewStream(tracks ...*Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns the tracks of the given kind.
func (s *Stream) Tracks(kind Kind) []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// SetEnabled toggles every track of kind and returns how many were changed.
func (s *Stream) SetEnabled(kind Kind, v bool) int {
	n := 0
	for _, t := range s.Tracks(kind) {
		if !t.Stopped() {
			t.SetEnabled(v)
			n++
		}
	}
	return n
}

// Stop ends every track of kind.
func (s *Stream) Stop(kind Kind) {
	for _, t := range s.Tracks(kind) {
		t.Stop()
	}
}

// StopAll ends every track.
func (s *Stream) StopAll() {
	s.mu.Lock()
	tracks := append([]*Track(nil), s.tracks...)
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

// Constraints selects the kinds requested from an [Acquirer].
type Constraints struct {
	Audio bool
	Video bool
}

// Acquirer obtains local media.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// AcquirerFunc adapts a function to [Acquirer].
type AcquirerFunc func(ctx context.Context, c Constraints) (*Stream, error)

// Acquire calls f.
func (f AcquirerFunc) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	return f(ctx, c)
}

// Local acquires tracks for a headless client. Probe, when set, is run before
// an audio track is created; a probe failure is reported as
// [ErrPermissionDenied].
type Local struct {
	Probe func(ctx context.Context) error
}

// Acquire implements [Acquirer].
func (l Local) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	var tracks []*Track
	if c.Audio {
		if l.Probe != nil {
			if err := l.Probe(ctx); err != nil {
				return nil, fmt.Errorf("%w: microphone: %v", ErrPermissionDenied, err)
			}
		}
		tracks = append(tracks, NewTrack(KindAudio))
	}
	if c.Video {
		tracks = append(tracks, NewTrack(KindVideo))
	}
	return NewStream(tracks...), nil
}
