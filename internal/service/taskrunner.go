package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/hostagent/internal/adapter/otel"
	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/task"
	"github.com/Strob0t/hostagent/internal/port/broadcast"
)

// DefaultMaxRunCount is the task concurrency limit when none is configured.
const DefaultMaxRunCount = 4

// TaskRunnerService runs admitted tasks with bounded concurrency and
// publishes their lifecycle records.
type TaskRunnerService struct {
	hub     broadcast.Broadcaster
	metrics *cfotel.Metrics
	maxRun  int

	mu        sync.Mutex
	tasks     map[string]*task.Task
	published map[string]task.Item

	kick   chan struct{}
	inPass atomic.Bool
}

// NewTaskRunnerService creates a task runner that allows at most maxRun
// tasks to run at once. metrics may be nil.
func NewTaskRunnerService(hub broadcast.Broadcaster, maxRun int, metrics *cfotel.Metrics) *TaskRunnerService {
	if maxRun < 1 {
		maxRun = DefaultMaxRunCount
	}
	return &TaskRunnerService{
		hub:       hub,
		metrics:   metrics,
		maxRun:    maxRun,
		tasks:     make(map[string]*task.Task),
		published: make(map[string]task.Item),
		kick:      make(chan struct{}, 1),
	}
}

// Admit assigns the task an id, adds it to the queue and requests a
// scheduling pass.
func (s *TaskRunnerService) Admit(t *task.Task) string {
	t.ID = uuid.NewString()
	t.OnEnd(func(*task.Task) { s.Kick() })

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	slog.Debug("task admitted", "task_id", t.ID, "name", t.Name)
	s.Kick()
	return t.ID
}

// Cancel requests cancellation of a task. A queued task is retired on the
// next pass; a running task is expected to observe its context and end.
func (s *TaskRunnerService) Cancel(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	t.Cancel()
	slog.Info("task cancel requested", "task_id", id, "started", t.Started())
	s.Kick()
	return nil
}

// Get returns a live task by id.
func (s *TaskRunnerService) Get(id string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// List returns the records of all live tasks ordered by id.
func (s *TaskRunnerService) List() []task.Record {
	live := s.snapshot()
	out := make([]task.Record, 0, len(live))
	for _, t := range live {
		out = append(out, t.Record(false))
	}
	return out
}

// RunningCount returns the number of tasks currently executing.
func (s *TaskRunnerService) RunningCount() int {
	n := 0
	for _, t := range s.snapshot() {
		if t.IsRunning() {
			n++
		}
	}
	return n
}

// Kick requests a scheduling pass without blocking. Kicks that arrive while
// one is pending are coalesced.
func (s *TaskRunnerService) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives scheduling passes on every heartbeat and on every kick until
// ctx is cancelled. Tasks started by the runner inherit ctx.
func (s *TaskRunnerService) Run(ctx context.Context, heartbeat time.Duration) error {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelAll()
			return nil
		case <-ticker.C:
			s.Pass(ctx)
		case <-s.kick:
			s.Pass(ctx)
		}
	}
}

// Pass performs one scheduling pass: retire finished tasks, start queued
// tasks up to the concurrency limit and publish progress changes. A pass
// requested while another is in progress is skipped.
func (s *TaskRunnerService) Pass(ctx context.Context) {
	if !s.inPass.CompareAndSwap(false, true) {
		return
	}
	defer s.inPass.Store(false)

	s.retire(ctx)
	s.startQueued(ctx)
	s.publishProgress(ctx)
}

func (s *TaskRunnerService) retire(ctx context.Context) {
	var retired []*task.Task

	s.mu.Lock()
	for id, t := range s.tasks {
		if t.Retirable() {
			retired = append(retired, t)
			delete(s.tasks, id)
			delete(s.published, id)
		}
	}
	s.mu.Unlock()

	sortTasks(retired)
	for _, t := range retired {
		rec := t.Record(true)
		s.record(ctx, rec)
		slog.Info("task retired", "task_id", t.ID, "name", t.Name, "status", rec.Status)
		s.publish(ctx, rec)
	}
}

func (s *TaskRunnerService) startQueued(ctx context.Context) {
	for {
		next, ok := s.nextQueued()
		if !ok {
			return
		}

		spanCtx, span := cfotel.StartTaskSpan(ctx, next.ID, next.Name)
		next.OnEnd(func(*task.Task) { span.End() })

		err := next.Run(spanCtx)
		if err != nil {
			span.End()
		}
		switch {
		case err == nil:
			if s.metrics != nil {
				s.metrics.TasksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("task", next.Name)))
			}
			slog.Debug("task started", "task_id", next.ID, "name", next.Name)
		case errors.Is(err, task.ErrCancelled):
			// Cancelled between selection and start; retired next pass.
			s.Kick()
		default:
			slog.Error("task failed to start, discarding", "task_id", next.ID, "name", next.Name, "error", err)
			s.mu.Lock()
			delete(s.tasks, next.ID)
			delete(s.published, next.ID)
			s.mu.Unlock()
		}
	}
}

// nextQueued returns the queued task with the smallest id if a run slot is
// free.
func (s *TaskRunnerService) nextQueued() (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := 0
	var next *task.Task
	for _, t := range s.tasks {
		if t.IsRunning() {
			running++
			continue
		}
		if t.Started() || t.IsCancelled() {
			continue
		}
		if next == nil || t.ID < next.ID {
			next = t
		}
	}
	if next == nil || running >= s.maxRun {
		return nil, false
	}
	return next, true
}

// publishProgress publishes a record for every started task whose percent
// complete changed since the last published snapshot. Queued tasks publish
// nothing until they start.
func (s *TaskRunnerService) publishProgress(ctx context.Context) {
	for _, t := range s.snapshot() {
		if !t.Started() {
			continue
		}
		item := t.Item()

		s.mu.Lock()
		_, live := s.tasks[t.ID]
		prev, seen := s.published[t.ID]
		changed := live && (!seen || prev.PercentComplete != item.PercentComplete)
		if changed {
			s.published[t.ID] = item
		}
		s.mu.Unlock()

		if changed {
			s.publish(ctx, t.Record(false))
		}
	}
}

func (s *TaskRunnerService) publish(ctx context.Context, rec task.Record) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, broadcast.EventTaskRecord, rec)
}

func (s *TaskRunnerService) record(ctx context.Context, rec task.Record) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task", rec.Name))
	switch rec.Status {
	case task.StatusSucceeded:
		s.metrics.TasksCompleted.Add(ctx, 1, attrs)
	case task.StatusCancelled:
		s.metrics.TasksCancelled.Add(ctx, 1, attrs)
	default:
		s.metrics.TasksFailed.Add(ctx, 1, attrs)
	}
	if rec.StartTime > 0 && rec.EndTime >= rec.StartTime {
		s.metrics.TaskDuration.Record(ctx, float64(rec.EndTime-rec.StartTime)/1000, attrs)
	}
}

func (s *TaskRunnerService) cancelAll() {
	for _, t := range s.snapshot() {
		t.Cancel()
	}
}

func (s *TaskRunnerService) snapshot() []*task.Task {
	s.mu.Lock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()

	sortTasks(out)
	return out
}

func sortTasks(ts []*task.Task) {
	slices.SortFunc(ts, func(a, b *task.Task) int { return strings.Compare(a.ID, b.ID) })
}
