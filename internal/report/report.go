// Package report submits the post-call report job and polls it until the
// backend produces a rating.
//
// The job is started with one request. If the backend accepts it, the job
// status is polled at a fixed interval with no backoff and no attempt limit
// until a rating in [1, 3] arrives or [Poller.Stop] is called. Poll errors
// are logged and polling continues at the same interval.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callwire/internal/backend"
	"github.com/MrWong99/callwire/internal/observe"
)

// DefaultInterval is the job-status polling interval.
const DefaultInterval = 2 * time.Second

// Poll results recorded on [observe.Metrics.ReportPolls].
const (
	ResultProcessing = "processing"
	ResultComplete   = "complete"
	ResultError      = "error"
)

// State is the lifecycle of the report job.
type State int

const (
	StateNotStarted State = iota
	StateSubmitted
	StatePolling
	StateComplete
	// StateFailed means the job was never accepted, including when the call
	// had not ended. It is terminal until the next Start.
	StateFailed
)

var stateNames = [...]string{"not_started", "submitted", "polling", "complete", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("report: unknown state %q", b)
}

// Backend is the subset of [backend.Client] used by the poller.
type Backend interface {
	SubmitReport(ctx context.Context) (string, error)
	JobStatus(ctx context.Context, id string) (backend.JobStatus, error)
}

// Option configures a [Poller].
type Option func(*Poller)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithOnRating registers the callback fired exactly once with the rating.
func WithOnRating(fn func(rating int)) Option {
	return func(p *Poller) { p.onRating = fn }
}

// WithOnLoading registers the loading-state callback.
func WithOnLoading(fn func(loading bool)) Option {
	return func(p *Poller) { p.onLoading = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// Poller runs one report job. It is safe for concurrent use.
type Poller struct {
	backend   Backend
	interval  time.Duration
	onRating  func(int)
	onLoading func(bool)
	metrics   *observe.Metrics

	mu     sync.Mutex
	state  State
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
	gen    uint64 // bumped by Stop; stale poll results are dropped
}

// New returns a Poller for b.
func New(b Backend, opts ...Option) *Poller {
	p := &Poller{backend: b, interval: DefaultInterval}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start submits the report job and, when accepted, starts polling in the
// background until the rating arrives, [Poller.Stop] is called or ctx is
// cancelled. It returns an error wrapping [backend.ErrPreconditionFailed]
// when the call has not ended; in that case and on any other submission
// failure no polling starts and loading is reset. Calling Start while a job
// is being polled restarts it.
func (p *Poller) Start(ctx context.Context) error {
	p.Stop()
	p.setLoading(true)

	p.mu.Lock()
	gen := p.gen
	p.state = StateSubmitted
	p.mu.Unlock()

	id, err := p.backend.SubmitReport(ctx)
	if err != nil {
		p.mu.Lock()
		if p.gen == gen {
			p.state = StateFailed
		}
		p.mu.Unlock()
		p.setLoading(false)
		if errors.Is(err, backend.ErrPreconditionFailed) {
			observe.Logger(ctx).Warn("report: cannot generate report, call not ended")
		} else {
			observe.Logger(ctx).Error("report: failed to start report job", "err", err)
		}
		return fmt.Errorf("report: submit: %w", err)
	}

	p.mu.Lock()
	if p.gen != gen {
		// Stopped while the submission was in flight.
		p.mu.Unlock()
		return nil
	}
	pctx, cancel := context.WithCancel(ctx)
	p.state = StatePolling
	p.jobID = id
	p.cancel = cancel
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	observe.Logger(ctx).Info("report: job started", "job_id", id)
	go p.poll(pctx, gen, id, done)
	return nil
}

// Stop cancels polling and discards the job id. A job that was submitted or
// being polled goes back to [StateNotStarted]; complete and failed jobs keep
// their state. It is idempotent and safe before Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.gen++
	if p.state == StateSubmitted || p.state == StatePolling {
		p.state = StateNotStarted
	}
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.jobID = ""
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// JobID returns the id of the job being polled, or "".
func (p *Poller) JobID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobID
}

// State returns the current job state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Polling reports whether a job is being polled.
func (p *Poller) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) poll(ctx context.Context, gen uint64, id string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := p.backend.JobStatus(ctx, id)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			p.metrics.RecordReportPoll(ctx, ResultError)
			slog.Warn("report: job status poll failed", "job_id", id, "err", err)
			continue
		case !st.Done():
			p.metrics.RecordReportPoll(ctx, ResultProcessing)
			slog.Debug("report: job still processing", "job_id", id, "status", st.Code)
			continue
		}

		p.metrics.RecordReportPoll(ctx, ResultComplete)
		if !p.complete(gen) {
			return
		}
		slog.Info("report: rating received", "job_id", id, "rating", st.Rating)
		if p.onRating != nil {
			p.onRating(st.Rating)
		}
		p.setLoading(false)
		return
	}
}

// complete clears the job if gen is still current. It reports false when the
// poller was stopped or restarted meanwhile.
func (p *Poller) complete(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return false
	}
	p.gen++
	p.state = StateComplete
	p.jobID = ""
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = nil
	p.done = nil
	return true
}

func (p *Poller) setLoading(v bool) {
	if p.onLoading != nil {
		p.onLoading(v)
	}
}
