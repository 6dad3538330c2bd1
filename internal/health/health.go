// Package health serves the liveness and readiness probes of the control
// surface.
//
//   - /healthz reports liveness and always returns 200 OK.
//   - /readyz returns 200 only when every [Checker] passes. The client is
//     ready while both call sockets are open.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callwire/internal/link"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// ErrNotConnected is returned by [Connected] while the call sockets are not
// both open.
var ErrNotConnected = errors.New("health: call sockets not connected")

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	// Name is the key under which the result is reported (e.g. "link").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Connected returns a checker that passes while status reports
// [link.StatusConnected].
func Connected(status func() link.Status) Checker {
	return Checker{
		Name: "link",
		Check: func(context.Context) error {
			if s := status(); s != link.StatusConnected {
				return fmt.Errorf("%w: %s", ErrNotConnected, s)
			}
			return nil
		},
	}
}

// Open returns a checker that fails once done is closed.
func Open(name string, done <-chan struct{}) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			select {
			case <-done:
				return errors.New("closed")
			default:
				return nil
			}
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under a [checkTimeout]
// deadline derived from the request, and returns 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)
			if err == nil {
				err = ctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
