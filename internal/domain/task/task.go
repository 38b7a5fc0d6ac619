// Package task defines the background job entity run by the task runner.
package task

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Func is the body of a task. It should observe ctx for cancellation and
// report progress through t.SetProgress. The returned map becomes the
// task result.
type Func func(ctx context.Context, t *Task) (map[string]any, error)

var (
	// ErrAlreadyStarted is returned by Run for a task that ran before.
	ErrAlreadyStarted = errors.New("task already started")
	// ErrCancelled is returned by Run for a task cancelled before start.
	ErrCancelled = errors.New("task cancelled")
	// ErrNoFunc is returned by Run for a task without a body.
	ErrNoFunc = errors.New("task has no function")
)

// Status describes where a task is in its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is a unit of work admitted into the task runner. Identity fields
// are set before admission and not changed afterwards; everything else is
// guarded by the task's own mutex.
type Task struct {
	ID            string
	Name          string
	Tags          []string
	Description   string
	Subtitle      string
	Configuration map[string]any

	fn Func

	mu        sync.Mutex
	status    map[string]any
	percent   int
	startTime time.Time
	endTime   time.Time
	running   bool
	cancelled bool
	success   bool
	result    map[string]any
	errMsg    string
	cancel    context.CancelFunc
	onEnd     []func(*Task)
}

// New creates an unscheduled task.
func New(name string, fn Func) *Task {
	return &Task{
		Name:          name,
		Configuration: map[string]any{},
		fn:            fn,
		status:        map[string]any{},
	}
}

// OnEnd registers a callback invoked once after the task finished.
func (t *Task) OnEnd(fn func(*Task)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnd = append(t.onEnd, fn)
}

// Run starts the task body in its own goroutine. A task runs at most once.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	switch {
	case t.running || !t.startTime.IsZero():
		t.mu.Unlock()
		return ErrAlreadyStarted
	case t.cancelled:
		t.mu.Unlock()
		return ErrCancelled
	case t.fn == nil:
		t.mu.Unlock()
		return ErrNoFunc
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.startTime = time.Now()
	fn := t.fn
	t.mu.Unlock()

	go func() {
		var (
			res map[string]any
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
				res = nil
			}
			t.End(res, err)
		}()
		res, err = fn(runCtx, t)
	}()
	return nil
}

// End finalizes the current run. Only the first call per run has an
// effect; it reports whether this call ended the task.
func (t *Task) End(result map[string]any, err error) bool {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return false
	}
	t.running = false
	t.endTime = time.Now()
	if !t.endTime.After(t.startTime) {
		t.endTime = t.startTime.Add(time.Nanosecond)
	}
	if t.cancel != nil {
		t.cancel()
	}

	switch {
	case err != nil:
		t.success = false
		t.errMsg = err.Error()
		t.result = nil
	case t.cancelled:
		t.success = false
		t.errMsg = context.Canceled.Error()
		t.result = result
	default:
		t.success = true
		t.result = result
		t.percent = 100
	}
	callbacks := slices.Clone(t.onEnd)
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb(t)
	}
	return true
}

// Cancel flags the task as cancelled and cancels the context of a running
// body. The body is expected to notice and return.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// SetProgress records the completion percentage, clamped to 0..100.
func (t *Task) SetProgress(percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.percent = min(max(percent, 0), 100)
}

// SetStatus records a free-form status field.
func (t *Task) SetStatus(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[key] = value
}

// IsRunning reports whether the body is executing.
func (t *Task) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// IsCancelled reports whether Cancel was called.
func (t *Task) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// IsSuccess reports whether the task ended without error.
func (t *Task) IsSuccess() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.success
}

// Started reports whether the task was ever started.
func (t *Task) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.startTime.IsZero()
}

// Retirable reports whether the task ran to completion or was cancelled
// before it ever started.
func (t *Task) Retirable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	started := !t.startTime.IsZero()
	return (started && !t.endTime.IsZero()) || (t.cancelled && !started)
}

// Result returns the result of a finished task.
func (t *Task) Result() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.result)
}

// Item returns the progress snapshot used for change detection.
func (t *Task) Item() Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.itemLocked()
}

func (t *Task) itemLocked() Item {
	return Item{
		ID:              t.ID,
		Name:            t.Name,
		Subtitle:        t.Subtitle,
		Tags:            slices.Clone(t.Tags),
		Description:     t.Description,
		PercentComplete: t.percent,
	}
}

// Record returns the lifecycle record published for this task.
func (t *Task) Record(closed bool) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Record{
		Item:          t.itemLocked(),
		Status:        t.statusLocked(),
		Configuration: maps.Clone(t.Configuration),
		Details:       maps.Clone(t.status),
		StartTime:     unixMillis(t.startTime),
		EndTime:       unixMillis(t.endTime),
		IsRunning:     t.running,
		IsCancelled:   t.cancelled,
		IsSuccess:     t.success,
		Result:        maps.Clone(t.result),
		Error:         t.errMsg,
		Closed:        closed,
	}
}

func (t *Task) statusLocked() Status {
	switch {
	case t.running:
		return StatusRunning
	case t.endTime.IsZero() && t.cancelled:
		return StatusCancelled
	case t.endTime.IsZero():
		return StatusQueued
	case t.cancelled:
		return StatusCancelled
	case t.success:
		return StatusSucceeded
	default:
		return StatusFailed
	}
}

func unixMillis(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
}

// Item is the progress snapshot of a task.
type Item struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Subtitle        string   `json:"subtitle,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Description     string   `json:"description,omitempty"`
	PercentComplete int      `json:"percentComplete"`
}

// Record is a task lifecycle record. Closed records are terminal; exactly
// one is published per admitted task.
type Record struct {
	Item
	Status        Status         `json:"status"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	StartTime     int64          `json:"startTime"`
	EndTime       int64          `json:"endTime"`
	IsRunning     bool           `json:"isRunning"`
	IsCancelled   bool           `json:"isCancelled"`
	IsSuccess     bool           `json:"isSuccess"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Closed        bool           `json:"closed"`
}
