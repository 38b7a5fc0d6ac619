// Package periodic runs a function repeatedly on a jittered interval, on
// demand, or not at all while suspended.
package periodic

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Func is the unit of work. Errors are logged; the task keeps its schedule.
type Func func(ctx context.Context) error

// Task is a single reusable unit of deferred and periodic execution. One
// goroutine (Run) owns execution, so invocations never overlap.
type Task struct {
	name     string
	fn       Func
	interval time.Duration
	jitter   time.Duration
	delay    time.Duration

	trigger chan struct{}

	mu        sync.Mutex
	suspended bool
	running   atomic.Bool
	runs      atomic.Int64
}

// Option configures a Task.
type Option func(*Task)

// WithJitter adds a random extra delay in [0, j) to every interval.
func WithJitter(j time.Duration) Option {
	return func(t *Task) { t.jitter = j }
}

// WithInitialDelay postpones the first run. By default the first run
// happens as soon as Run starts.
func WithInitialDelay(d time.Duration) Option {
	return func(t *Task) { t.delay = d }
}

// Suspended creates the task in the suspended state.
func Suspended() Option {
	return func(t *Task) { t.suspended = true }
}

// New creates a task that runs fn every interval.
func New(name string, interval time.Duration, fn Func, opts ...Option) *Task {
	t := &Task{
		name:     name,
		fn:       fn,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Runs returns how many times fn has completed.
func (t *Task) Runs() int64 { return t.runs.Load() }

// Running reports whether fn is currently executing.
func (t *Task) Running() bool { return t.running.Load() }

// RunNow requests an immediate run. Requests made while a run is in
// flight coalesce into one follow-up run. Ignored while suspended.
func (t *Task) RunNow() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Suspend stops scheduling until Resume. A run in flight completes.
func (t *Task) Suspend() {
	t.mu.Lock()
	t.suspended = true
	t.mu.Unlock()
}

// Resume re-enables scheduling and runs immediately.
func (t *Task) Resume() {
	t.mu.Lock()
	t.suspended = false
	t.mu.Unlock()
	t.RunNow()
}

// IsSuspended reports whether the task is suspended.
func (t *Task) IsSuspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspended
}

// Run drives the task until ctx is done.
func (t *Task) Run(ctx context.Context) {
	delay := t.delay
	for {
		if t.IsSuspended() {
			select {
			case <-ctx.Done():
				return
			case <-t.trigger:
			}
			delay = 0
			continue
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			case <-t.trigger:
				timer.Stop()
			}
			if t.IsSuspended() {
				continue
			}
		} else if ctx.Err() != nil {
			return
		}

		t.invoke(ctx)
		delay = t.next()
	}
}

func (t *Task) invoke(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	if err := t.fn(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("periodic task failed", "task", t.name, "error", err)
	}
	t.runs.Add(1)
}

func (t *Task) next() time.Duration {
	d := t.interval
	if t.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(t.jitter)))
	}
	return d
}
