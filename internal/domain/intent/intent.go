// Package intent models long-running autonomous behaviors as cooperative
// staged state machines driven by a tick.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Behavior is the type-specific part of an intent.
type Behavior interface {
	// Start runs on the first tick after activation and normally enters the
	// initial stage.
	Start(in *Intent)

	// Tick runs on every tick of an active intent, after any resolved await
	// has been applied.
	Tick(in *Intent, now time.Time)
}

// Stopper is implemented by behaviors that release resources on
// deactivation.
type Stopper interface {
	Stop(in *Intent)
}

// StageFunc is the synchronous entry of a stage. It must not block; slow
// work goes through StageAwait.
type StageFunc func(in *Intent)

// Operation is awaited by StageAwait.
type Operation func(ctx context.Context) (any, error)

type resolution struct {
	value any
	err   error
	next  string
}

// Intent holds the engine-visible state of one behavior. Update, SetStage,
// StageAwait and TimeoutWait are called from the tick driver only; the
// mutex guards the fields written by await goroutines and readers such as
// Info.
type Intent struct {
	ID            string
	Type          string
	Name          string
	DisplayName   string
	Group         string
	Configuration map[string]any

	behavior Behavior
	stages   map[string]StageFunc

	mu         sync.Mutex
	active     bool
	started    bool
	stage      string
	awaiting   string
	generation uint64
	resolved   *resolution
	result     any
	err        error
	state      map[string]any
	dirty      bool
	lastTick   time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// Stage registers the entry function of a named stage.
func (in *Intent) Stage(name string, fn StageFunc) {
	in.stages[name] = fn
}

// Activate marks the intent active. Stage execution begins on the next
// Update. ctx bounds every awaited operation.
func (in *Intent) Activate(ctx context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.active {
		return
	}
	in.ctx, in.cancel = context.WithCancel(ctx)
	in.active = true
	in.started = false
	in.stage = ""
	in.awaiting = ""
	in.resolved = nil
}

// Deactivate suspends the intent. Pending awaits are cancelled and their
// results discarded; reactivation starts again from the initial stage.
func (in *Intent) Deactivate() {
	in.mu.Lock()
	if !in.active {
		in.mu.Unlock()
		return
	}
	in.active = false
	in.generation++
	in.awaiting = ""
	in.resolved = nil
	cancel := in.cancel
	in.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s, ok := in.behavior.(Stopper); ok {
		s.Stop(in)
	}
}

// IsActive reports whether the intent is active.
func (in *Intent) IsActive() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.active
}

// Update is one tick: apply a resolved await, then run the behavior's tick
// hook. It is a no-op for an inactive intent.
func (in *Intent) Update(now time.Time) {
	in.mu.Lock()
	if !in.active {
		in.mu.Unlock()
		return
	}
	in.lastTick = now
	first := !in.started
	in.started = true
	res := in.resolved
	in.resolved = nil
	if res != nil {
		in.awaiting = ""
		in.result = res.value
		in.err = res.err
	}
	in.mu.Unlock()

	if first {
		in.behavior.Start(in)
	}
	if res != nil {
		in.SetStage(res.next)
	}
	if in.IsActive() {
		in.behavior.Tick(in, now)
	}
}

// SetStage clears any pending await and runs the entry of the named stage
// immediately.
func (in *Intent) SetStage(name string) {
	fn, ok := in.stages[name]
	if !ok {
		slog.Error("intent entered unknown stage", "intent_id", in.ID, "type", in.Type, "stage", name)
		return
	}

	in.mu.Lock()
	in.generation++
	in.awaiting = ""
	in.resolved = nil
	in.stage = name
	in.mu.Unlock()

	fn(in)
}

// StageAwait suspends the current stage on op. When op resolves its value
// and error are stored in the result slot and next is entered on a later
// tick.
func (in *Intent) StageAwait(op Operation, next string) {
	in.mu.Lock()
	in.generation++
	gen := in.generation
	in.awaiting = next
	in.resolved = nil
	ctx := in.ctx
	in.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		var (
			v   any
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("awaited operation panicked: %v", r)
				}
			}()
			v, err = op(ctx)
		}()

		in.mu.Lock()
		defer in.mu.Unlock()
		if in.generation == gen && in.active {
			in.resolved = &resolution{value: v, err: err, next: next}
		}
	}()
}

// TimeoutWait suspends the current stage for d, then enters next.
func (in *Intent) TimeoutWait(d time.Duration, next string) {
	in.StageAwait(func(ctx context.Context) (any, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, next)
}

// Result returns the value and error of the last resolved await.
func (in *Intent) Result() (any, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.result, in.err
}

// CurrentStage returns the current stage name, empty before the first one.
func (in *Intent) CurrentStage() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stage
}

// Awaiting reports whether the current stage is suspended on an operation.
func (in *Intent) Awaiting() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.awaiting != ""
}

// LastTick returns the time of the last tick of an active intent.
func (in *Intent) LastTick() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastTick
}

// Context returns the activation context, cancelled on deactivation.
func (in *Intent) Context() context.Context {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ctx == nil {
		return context.Background()
	}
	return in.ctx
}

// StateValue returns one persisted state field.
func (in *Intent) StateValue(key string) (any, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	v, ok := in.state[key]
	return v, ok
}

// SetState updates one persisted state field.
func (in *Intent) SetState(key string, value any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state[key] = value
	in.dirty = true
}

// TakeDirty reports whether the state changed since the previous call.
func (in *Intent) TakeDirty() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	d := in.dirty
	in.dirty = false
	return d
}

// Info is the listing view of an intent.
type Info struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Group       string         `json:"group,omitempty"`
	IsActive    bool           `json:"isActive"`
	Stage       string         `json:"stage,omitempty"`
	Awaiting    bool           `json:"awaiting"`
	State       map[string]any `json:"state,omitempty"`
}

// Info returns a snapshot for listing.
func (in *Intent) Info() Info {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Info{
		ID:          in.ID,
		Type:        in.Type,
		Name:        in.Name,
		DisplayName: in.DisplayName,
		Group:       in.Group,
		IsActive:    in.active,
		Stage:       in.stage,
		Awaiting:    in.awaiting != "",
		State:       maps.Clone(in.state),
	}
}

// Saved is the persisted form of an intent. Stages and in-flight
// operations are not saved.
type Saved struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	DisplayName   string         `json:"displayName"`
	Group         string         `json:"group,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
	State         map[string]any `json:"state,omitempty"`
	Active        bool           `json:"active"`
}

// Save returns the persisted form.
func (in *Intent) Save() Saved {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Saved{
		ID:            in.ID,
		Type:          in.Type,
		Name:          in.Name,
		DisplayName:   in.DisplayName,
		Group:         in.Group,
		Configuration: maps.Clone(in.Configuration),
		State:         maps.Clone(in.state),
		Active:        in.active,
	}
}
