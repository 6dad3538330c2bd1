package report_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callwire/internal/backend"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/internal/report"
)

const testInterval = 10 * time.Millisecond

// scriptedBackend answers SubmitReport with submitErr/jobID and JobStatus
// with the next scripted poll; the last entry repeats.
type scriptedBackend struct {
	submitErr error
	jobID     string

	mu    sync.Mutex
	polls []poll
	ids   []string
	calls atomic.Int32
}

type poll struct {
	status backend.JobStatus
	err    error
}

func (b *scriptedBackend) SubmitReport(context.Context) (string, error) {
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return b.jobID, nil
}

func (b *scriptedBackend) JobStatus(_ context.Context, id string) (backend.JobStatus, error) {
	n := int(b.calls.Add(1)) - 1
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = append(b.ids, id)
	if n >= len(b.polls) {
		n = len(b.polls) - 1
	}
	return b.polls[n].status, b.polls[n].err
}

// recorder captures poller callbacks.
type recorder struct {
	mu      sync.Mutex
	ratings []int
	loading []bool
}

func (r *recorder) rating(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ratings = append(r.ratings, v)
}

func (r *recorder) load(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = append(r.loading, v)
}

func (r *recorder) snapshot() ([]int, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ratings...), append([]bool(nil), r.loading...)
}

func newPoller(t *testing.T, b report.Backend) (*report.Poller, *recorder) {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	rec := &recorder{}
	p := report.New(b,
		report.WithInterval(testInterval),
		report.WithOnRating(rec.rating),
		report.WithOnLoading(rec.load),
		report.WithMetrics(m),
	)
	t.Cleanup(p.Stop)
	return p, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func processing() poll { return poll{status: backend.JobStatus{Code: 202}} }

func TestCompletesExactlyOnce(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{
		jobID: "job-7",
		polls: []poll{processing(), processing(), {status: backend.JobStatus{Code: 200, Rating: 2}}},
	}
	p, rec := newPoller(t, b)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.JobID() != "job-7" {
		t.Errorf("JobID = %q, want job-7", p.JobID())
	}

	waitFor(t, "rating", func() bool { r, _ := rec.snapshot(); return len(r) == 1 })
	time.Sleep(5 * testInterval)

	ratings, loading := rec.snapshot()
	if len(ratings) != 1 || ratings[0] != 2 {
		t.Errorf("ratings = %v, want exactly [2]", ratings)
	}
	if len(loading) != 2 || !loading[0] || loading[1] {
		t.Errorf("loading = %v, want [true false]", loading)
	}
	if n := b.calls.Load(); n != 3 {
		t.Errorf("polled %d times, want 3", n)
	}
	if p.Polling() || p.JobID() != "" {
		t.Error("poller still active after completion")
	}
	for _, id := range b.ids {
		if id != "job-7" {
			t.Errorf("polled job %q", id)
		}
	}
}

func TestPreconditionNeverPolls(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{
		submitErr: fmt.Errorf("%w: call has not ended", backend.ErrPreconditionFailed),
		polls:     []poll{processing()},
	}
	p, rec := newPoller(t, b)

	err := p.Start(context.Background())
	if !errors.Is(err, backend.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want ErrPreconditionFailed", err)
	}
	time.Sleep(5 * testInterval)

	if n := b.calls.Load(); n != 0 {
		t.Errorf("polled %d times after precondition failure", n)
	}
	if p.Polling() {
		t.Error("Polling() = true")
	}
	_, loading := rec.snapshot()
	if len(loading) != 2 || loading[1] {
		t.Errorf("loading = %v, want [true false]", loading)
	}
}

func TestSubmitFailureResetsLoading(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{submitErr: errors.New("connection refused"), polls: []poll{processing()}}
	p, rec := newPoller(t, b)

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	_, loading := rec.snapshot()
	if len(loading) != 2 || loading[1] {
		t.Errorf("loading = %v, want [true false]", loading)
	}
	if b.calls.Load() != 0 {
		t.Error("polled after submit failure")
	}
}

func TestPollErrorsAreSwallowed(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{
		jobID: "j",
		polls: []poll{
			{err: errors.New("timeout")},
			{err: errors.New("503")},
			processing(),
			{status: backend.JobStatus{Code: 200, Rating: 3}},
		},
	}
	p, rec := newPoller(t, b)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "rating after errors", func() bool { r, _ := rec.snapshot(); return len(r) == 1 })
	ratings, _ := rec.snapshot()
	if ratings[0] != 3 {
		t.Errorf("rating = %d, want 3", ratings[0])
	}
}

func TestFixedIntervalNoBackoff(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{jobID: "j", polls: []poll{{err: errors.New("down")}}}
	p, _ := newPoller(t, b)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(30 * testInterval)
	p.Stop()
	// A backoff would leave only a handful of polls in this window.
	if n := b.calls.Load(); n < 10 {
		t.Errorf("polled %d times in %v at %v interval", n, 30*testInterval, testInterval)
	}
}

func TestStop_HaltsPolling(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{jobID: "j", polls: []poll{processing()}}
	p, rec := newPoller(t, b)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "first poll", func() bool { return b.calls.Load() >= 1 })

	p.Stop()
	p.Stop()
	after := b.calls.Load()
	time.Sleep(5 * testInterval)

	if n := b.calls.Load(); n != after {
		t.Errorf("polls continued after Stop: %d -> %d", after, n)
	}
	if p.JobID() != "" {
		t.Errorf("JobID = %q after Stop, want empty", p.JobID())
	}
	if r, _ := rec.snapshot(); len(r) != 0 {
		t.Errorf("ratings = %v after Stop", r)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	t.Parallel()
	p, _ := newPoller(t, &scriptedBackend{polls: []poll{processing()}})
	p.Stop()
	if p.Polling() {
		t.Error("Polling() = true")
	}
}

func TestStart_ContextCancellationStopsPolling(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{jobID: "j", polls: []poll{processing()}}
	p, _ := newPoller(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "first poll", func() bool { return b.calls.Load() >= 1 })
	cancel()
	time.Sleep(2 * testInterval)
	after := b.calls.Load()
	time.Sleep(5 * testInterval)
	if n := b.calls.Load(); n != after {
		t.Errorf("polls continued after cancellation: %d -> %d", after, n)
	}
}

func TestStateProgression(t *testing.T) {
	t.Parallel()
	precondition := fmt.Errorf("%w: call has not ended", backend.ErrPreconditionFailed)
	tests := []struct {
		name    string
		backend *scriptedBackend
		want    report.State
	}{
		{
			name:    "rated",
			backend: &scriptedBackend{jobID: "j", polls: []poll{processing(), {status: backend.JobStatus{Code: 200, Rating: 3}}}},
			want:    report.StateComplete,
		},
		{
			name:    "call not ended",
			backend: &scriptedBackend{submitErr: precondition, polls: []poll{processing()}},
			want:    report.StateFailed,
		},
		{
			name:    "submit error",
			backend: &scriptedBackend{submitErr: errors.New("connection refused"), polls: []poll{processing()}},
			want:    report.StateFailed,
		},
		{
			name:    "still processing",
			backend: &scriptedBackend{jobID: "j", polls: []poll{processing()}},
			want:    report.StatePolling,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, _ := newPoller(t, tt.backend)
			if got := p.State(); got != report.StateNotStarted {
				t.Fatalf("state before Start = %v", got)
			}
			_ = p.Start(context.Background())
			waitFor(t, "state "+tt.want.String(), func() bool { return p.State() == tt.want })
		})
	}
}

func TestStop_ResetsPendingState(t *testing.T) {
	t.Parallel()
	p, _ := newPoller(t, &scriptedBackend{jobID: "j", polls: []poll{processing()}})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
	if got := p.State(); got != report.StateNotStarted {
		t.Errorf("state after Stop = %v, want not_started", got)
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	t.Parallel()
	for s := report.StateNotStarted; s <= report.StateFailed; s++ {
		b, _ := s.MarshalText()
		var got report.State
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Errorf("%v: round trip = %v, %v", s, got, err)
		}
	}
	var s report.State
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for unknown state")
	}
}
