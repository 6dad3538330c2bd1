// Package playback buffers and plays the audio the backend pushes over the
// audio-out socket.
//
// Binary messages are decoded into chunks and appended to a strict FIFO
// [Queue]. A single dispatch goroutine plays one chunk at a time through an
// [audio.Sink]; when a chunk finishes the next one starts. [Queue.Clear]
// interrupts the current chunk, drops everything queued and tells the
// backend the buffer is empty.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/pkg/audio"
	"github.com/MrWong99/callwire/pkg/audio/codec"
)

// BufferNotifier is told when the local buffer was cleared.
type BufferNotifier interface {
	AudioBufferEmpty(ctx context.Context) error
}

// Option configures a [Queue].
type Option func(*Queue)

// WithOnPlaying registers a callback for playing/idle transitions. It fires
// with true when playback starts from idle and with false when the queue
// drains or is cleared. Deliveries are serialised and always reflect the
// queue state at delivery time, so the last value seen matches [Queue.Playing]
// once the queue settles. It is called without the queue lock held.
func WithOnPlaying(fn func(playing bool)) Option {
	return func(q *Queue) { q.onPlaying = fn }
}

// WithOnMetadata registers a callback for parsed text metadata messages.
func WithOnMetadata(fn func(map[string]any)) Option {
	return func(q *Queue) { q.onMetadata = fn }
}

// WithNotifier sets the backend notified on [Queue.Clear].
func WithNotifier(n BufferNotifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is the inbound playback buffer. All exported methods are safe for
// concurrent use.
type Queue struct {
	dec        codec.Decoder
	sink       audio.Sink
	notifier   BufferNotifier
	onPlaying  func(bool)
	onMetadata func(map[string]any)
	metrics    *observe.Metrics

	mu            sync.Mutex
	queue         []audio.AudioFrame
	playing       bool
	seq           uint64             // id of the chunk handed to the sink last
	cancelPlaying context.CancelFunc // interrupts the chunk with id seq
	closed        bool

	// cbMu orders onPlaying deliveries; reported is the last value delivered.
	// Lock order: cbMu before mu.
	cbMu     sync.Mutex
	reported bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a queue and starts its dispatch goroutine. Call [Queue.Close]
// to stop it.
func New(dec codec.Decoder, sink audio.Sink, opts ...Option) *Queue {
	q := &Queue{
		dec:    dec,
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	go q.dispatch()
	return q
}

// HandleAudio decodes one binary message and appends it. A chunk that fails
// to decode is logged and dropped; playback of other chunks continues. The
// decode error is returned for the caller's information.
func (q *Queue) HandleAudio(data []byte) error {
	frame, err := q.dec.Decode(data)
	if err != nil {
		q.metrics.DecodeErrors.Add(context.Background(), 1)
		slog.Warn("playback: dropping undecodable chunk", "bytes", len(data), "err", err)
		return fmt.Errorf("playback: decode: %w", err)
	}
	q.Enqueue(frame)
	return nil
}

// HandleMetadata parses a text message as JSON. Metadata is informational:
// it is logged and passed to the metadata callback, never queued. Malformed
// JSON is logged and ignored.
func (q *Queue) HandleMetadata(data []byte) error {
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		slog.Warn("playback: ignoring malformed metadata", "bytes", len(data), "err", err)
		return fmt.Errorf("playback: metadata: %w", err)
	}
	slog.Info("playback: metadata received", "fields", len(meta))
	if q.onMetadata != nil {
		q.onMetadata(meta)
	}
	return nil
}

// Enqueue appends a decoded chunk. Chunks play in the order they were
// enqueued. Frames without data are ignored.
func (q *Queue) Enqueue(frame audio.AudioFrame) {
	if len(frame.Data) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, frame)
	q.mu.Unlock()

	ctx := context.Background()
	q.metrics.ChunksReceived.Add(ctx, 1)
	q.metrics.QueueDepth.Add(ctx, 1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Clear stops the current chunk immediately, drops every queued chunk and
// resets to idle. The backend is then notified in the background; its
// failure is logged and never delays the caller. Clear returns the number of
// chunks discarded, including an interrupted one.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	waiting := len(q.queue)
	q.queue = nil
	dropped := waiting
	if q.cancelPlaying != nil {
		q.cancelPlaying()
		q.cancelPlaying = nil
		dropped++
	}
	wasPlaying := q.playing
	q.playing = false
	closed := q.closed
	q.mu.Unlock()

	mctx := context.Background()
	q.metrics.BufferClears.Add(mctx, 1)
	q.metrics.QueueDepth.Add(mctx, -int64(waiting))
	if wasPlaying {
		q.publishPlaying()
	}
	slog.Debug("playback: buffer cleared", "dropped", dropped)

	if q.notifier != nil && !closed {
		nctx := context.WithoutCancel(ctx)
		go func() {
			if err := q.notifier.AudioBufferEmpty(nctx); err != nil {
				slog.Warn("playback: buffer-empty notification failed", "err", err)
			}
		}()
	}
	return dropped
}

// Len returns the number of chunks waiting to play, excluding the current one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Playing reports whether a chunk is being played.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Close stops the dispatch goroutine and drops all audio without notifying
// the backend. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.cancelPlaying != nil {
		q.cancelPlaying()
		q.cancelPlaying = nil
	}
	pending := len(q.queue)
	q.queue = nil
	wasPlaying := q.playing
	q.playing = false
	q.mu.Unlock()

	q.metrics.QueueDepth.Add(context.Background(), -int64(pending))
	close(q.done)
	if wasPlaying {
		q.publishPlaying()
	}
	return nil
}

// dispatch plays queued chunks one at a time until Close.
func (q *Queue) dispatch() {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			frame, ctx, id, ok := q.dequeue()
			if !ok {
				break
			}
			err := q.sink.Play(ctx, frame)
			q.finish(id, err)
		}
	}
}

// dequeue pops the head of the queue and marks it playing. When the queue is
// empty it flips the state to idle and returns ok=false.
func (q *Queue) dequeue() (frame audio.AudioFrame, ctx context.Context, id uint64, ok bool) {
	q.mu.Lock()
	if q.closed || len(q.queue) == 0 {
		wasPlaying := q.playing
		q.playing = false
		q.mu.Unlock()
		if wasPlaying {
			q.publishPlaying()
		}
		return audio.AudioFrame{}, nil, 0, false
	}

	frame = q.queue[0]
	q.queue[0] = audio.AudioFrame{}
	q.queue = q.queue[1:]

	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(context.Background())
	q.seq++
	id = q.seq
	q.cancelPlaying = cancel
	started := !q.playing
	q.playing = true
	q.mu.Unlock()

	q.metrics.QueueDepth.Add(context.Background(), -1)
	if started {
		q.publishPlaying()
	}
	return frame, ctx, id, true
}

// finish records the outcome of the chunk with the given id.
func (q *Queue) finish(id uint64, err error) {
	q.mu.Lock()
	interrupted := q.seq != id || q.cancelPlaying == nil
	if !interrupted {
		q.cancelPlaying()
		q.cancelPlaying = nil
	}
	q.mu.Unlock()

	switch {
	case interrupted || errors.Is(err, context.Canceled):
		slog.Debug("playback: chunk interrupted")
	case err != nil:
		slog.Warn("playback: sink failed, skipping chunk", "err", err)
	default:
		q.metrics.ChunksPlayed.Add(context.Background(), 1)
	}
}

// publishPlaying delivers the current playing state if it differs from the
// last delivery. A transition that was already undone by the time its turn
// comes is skipped rather than delivered late.
func (q *Queue) publishPlaying() {
	if q.onPlaying == nil {
		return
	}
	q.cbMu.Lock()
	defer q.cbMu.Unlock()

	q.mu.Lock()
	cur := q.playing
	q.mu.Unlock()
	if cur == q.reported {
		return
	}
	q.reported = cur
	q.onPlaying(cur)
}
