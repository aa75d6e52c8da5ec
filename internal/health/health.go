// Package health serves liveness and readiness probes and gates traffic
// that only a ready replica may take.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
)

const defaultCheckTimeout = 5 * time.Second

// Status is the probe response body.
type Status struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker is a named dependency check. A zero Timeout uses the default.
type Checker struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

// Handler tracks readiness and runs dependency checks.
type Handler struct {
	ready    atomic.Bool
	version  string
	checkers []Checker
	clock    clock.Clock
}

// NewHandler returns a Handler that starts not ready.
func NewHandler(clk clock.Clock, version string, checkers ...Checker) *Handler {
	return &Handler{version: version, checkers: checkers, clock: clk}
}

// SetReady marks whether the replica serves auctions.
func (h *Handler) SetReady(ready bool) { h.ready.Store(ready) }

// Ready reports the last value passed to SetReady.
func (h *Handler) Ready() bool { return h.ready.Load() }

// LivenessHandler answers 200 while the process is up.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.status("ok", nil))
	}
}

// ReadinessHandler answers 200 when the replica is ready and every
// checker passes.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, h.status("not_ready", nil))
			return
		}

		checks, ok := h.runChecks(r.Context())
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, h.status("not_ready", checks))
			return
		}
		writeJSON(w, http.StatusOK, h.status("ready", checks))
	}
}

// RequireReady rejects requests with 503 while the replica is not ready.
func (h *Handler) RequireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Ready() {
			w.Header().Set("Retry-After", "5")
			writeJSON(w, http.StatusServiceUnavailable, h.status("not_ready", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// runChecks runs every checker concurrently.
func (h *Handler) runChecks(ctx context.Context) (map[string]string, bool) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.checkers))
		ok     = true
	)
	for _, c := range h.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			timeout := c.Timeout
			if timeout <= 0 {
				timeout = defaultCheckTimeout
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result := "ok"
			if err := c.Check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			checks[c.Name] = result
			if result != "ok" {
				ok = false
			}
		}(c)
	}
	wg.Wait()
	return checks, ok
}

func (h *Handler) status(s string, checks map[string]string) Status {
	return Status{
		Status:    s,
		Version:   h.version,
		Checks:    checks,
		Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
