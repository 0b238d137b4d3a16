// internal/scheduler/runner.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

type entry struct {
	name     string
	schedule Schedule
	job      Job
}

// Runner fires registered jobs at their scheduled times. Each job has its
// own loop, so a job never overlaps with itself; runs missed while it was
// still busy are skipped.
type Runner struct {
	mu      sync.Mutex
	entries []entry
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewRunner returns a runner that cancels each run after timeout. A zero
// timeout leaves runs unbounded.
func NewRunner(timeout time.Duration, log *slog.Logger) *Runner {
	return &Runner{timeout: timeout, now: time.Now, log: log}
}

func (r *Runner) Add(name string, s Schedule, job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, schedule: s, job: job})
}

// NextRuns reports when every job fires next.
func (r *Runner) NextRuns() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make(map[string]time.Time, len(r.entries))
	for _, e := range r.entries {
		out[e.name] = e.schedule.Next(now)
	}
	return out
}

// Run blocks until ctx is cancelled and every in-flight run has returned.
func (r *Runner) Run(ctx context.Context) {
	r.mu.Lock()
	entries := append([]entry(nil), r.entries...)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			r.loop(ctx, e)
		}(e)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, e entry) {
	for {
		next := e.schedule.Next(r.now())
		r.log.DebugContext(ctx, "job scheduled", "job", e.name, "next_run", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		r.runOnce(ctx, e)
	}
}

func (r *Runner) runOnce(ctx context.Context, e entry) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	r.log.InfoContext(ctx, "job started", "job", e.name)
	err := r.safeRun(ctx, e)
	if err != nil {
		r.log.ErrorContext(ctx, "job failed", "job", e.name, "error", err, "duration", time.Since(start))
		return
	}
	r.log.InfoContext(ctx, "job completed", "job", e.name, "duration", time.Since(start))
}

func (r *Runner) safeRun(ctx context.Context, e entry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return e.job(ctx)
}
