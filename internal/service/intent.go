package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/intent"
	"github.com/Strob0t/hostagent/internal/port/broadcast"
)

// ErrEngineStopped is returned for requests made after the intent engine
// stopped.
var ErrEngineStopped = errors.New("intent engine stopped")

// IntentService owns the set of intents. All mutation and every tick run on
// the goroutine executing Run, so two stage transitions never interleave.
type IntentService struct {
	registry *intent.Registry
	hub      broadcast.Broadcaster
	onSave   func(ctx context.Context, saved []intent.Saved) error

	ops   chan func(ctx context.Context)
	saves chan []intent.Saved
	done  chan struct{}

	// Owned by the Run goroutine.
	intents   map[string]*intent.Intent
	lastStage map[string]string
}

// NewIntentService creates an engine creating intents from registry.
// onSave, if set, receives the full saved set after every change.
func NewIntentService(
	registry *intent.Registry,
	hub broadcast.Broadcaster,
	onSave func(ctx context.Context, saved []intent.Saved) error,
) *IntentService {
	return &IntentService{
		registry:  registry,
		hub:       hub,
		onSave:    onSave,
		ops:       make(chan func(ctx context.Context)),
		saves:     make(chan []intent.Saved, 1),
		done:      make(chan struct{}),
		intents:   make(map[string]*intent.Intent),
		lastStage: make(map[string]string),
	}
}

// Registry returns the registry intents are created from.
func (s *IntentService) Registry() *intent.Registry { return s.registry }

// Run ticks every interval and serves requests until ctx is cancelled. On
// return every intent has been deactivated.
func (s *IntentService) Run(ctx context.Context, interval time.Duration) error {
	defer close(s.done)

	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		s.persistLoop(ctx)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, in := range s.sorted() {
				in.Deactivate()
			}
			<-persistDone
			return nil
		case now := <-ticker.C:
			s.tick(ctx, now)
		case op := <-s.ops:
			op(ctx)
		}
	}
}

// RunIntent creates an intent and activates it. Members of the same group
// are removed first, within the same engine step, so no tick ever sees two
// active intents of one group.
func (s *IntentService) RunIntent(ctx context.Context, saved intent.Saved) (intent.Info, error) {
	in, err := s.registry.New(saved)
	if err != nil {
		return intent.Info{}, err
	}

	err = s.do(ctx, func(runCtx context.Context) {
		if in.Group != "" {
			for _, other := range s.sorted() {
				if other.Group == in.Group {
					slog.Info("intent superseded by group member", "intent_id", other.ID, "group", in.Group, "by", in.ID)
					s.remove(other)
				}
			}
		}
		if old, ok := s.intents[in.ID]; ok {
			s.remove(old)
		}
		s.intents[in.ID] = in
		in.Activate(runCtx)
		s.save()
	})
	if err != nil {
		return intent.Info{}, err
	}
	slog.Info("intent started", "intent_id", in.ID, "type", in.Type, "group", in.Group)
	return in.Info(), nil
}

// ActivateIntent resumes a suspended intent from its initial stage. Other
// active members of its group are deactivated in the same engine step.
func (s *IntentService) ActivateIntent(ctx context.Context, id string) (intent.Info, error) {
	return s.setActive(ctx, id, true)
}

// DeactivateIntent suspends an intent. It stays listed and persisted, and
// runs no stage until it is activated again.
func (s *IntentService) DeactivateIntent(ctx context.Context, id string) (intent.Info, error) {
	return s.setActive(ctx, id, false)
}

func (s *IntentService) setActive(ctx context.Context, id string, active bool) (intent.Info, error) {
	var (
		info  intent.Info
		found bool
	)
	err := s.do(ctx, func(runCtx context.Context) {
		in, ok := s.intents[id]
		if !ok {
			return
		}
		found = true
		if in.IsActive() != active {
			if active {
				for _, other := range s.activeInGroup(in) {
					slog.Info("intent suspended by group member", "intent_id", other.ID, "group", in.Group, "by", in.ID)
					other.Deactivate()
					s.stateChanged(runCtx, other)
				}
				in.Activate(runCtx)
				slog.Info("intent activated", "intent_id", in.ID, "type", in.Type)
			} else {
				in.Deactivate()
				slog.Info("intent deactivated", "intent_id", in.ID, "type", in.Type)
			}
			s.stateChanged(runCtx, in)
			s.save()
		}
		info = in.Info()
	})
	if err != nil {
		return intent.Info{}, err
	}
	if !found {
		return intent.Info{}, fmt.Errorf("intent %s: %w", id, domain.ErrNotFound)
	}
	return info, nil
}

// RemoveIntent deactivates and removes an intent.
func (s *IntentService) RemoveIntent(ctx context.Context, id string) error {
	var found bool
	err := s.do(ctx, func(context.Context) {
		in, ok := s.intents[id]
		if !ok {
			return
		}
		found = true
		s.remove(in)
		s.save()
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("intent %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns all intents ordered by id.
func (s *IntentService) List(ctx context.Context) ([]intent.Info, error) {
	var out []intent.Info
	err := s.do(ctx, func(context.Context) {
		out = make([]intent.Info, 0, len(s.intents))
		for _, in := range s.sorted() {
			out = append(out, in.Info())
		}
	})
	return out, err
}

// Restore recreates saved intents. Saved intents of unknown types are
// skipped; stages restart from each behavior's initial stage. Ids already
// present, for example from a RunIntent that got in first, are kept. A
// saved active intent whose group already has an active member is restored
// inactive.
func (s *IntentService) Restore(ctx context.Context, saved []intent.Saved) error {
	return s.do(ctx, func(runCtx context.Context) {
		restored, suspended := 0, 0
		for _, sv := range saved {
			if _, exists := s.intents[sv.ID]; exists {
				slog.Info("saved intent already present, keeping the running one", "intent_id", sv.ID)
				continue
			}
			in, err := s.registry.New(sv)
			if err != nil {
				slog.Warn("skipping saved intent", "intent_id", sv.ID, "type", sv.Type, "error", err)
				continue
			}
			s.intents[in.ID] = in
			restored++
			if !sv.Active {
				continue
			}
			if others := s.activeInGroup(in); len(others) > 0 {
				slog.Warn("saved intent restored inactive, group already has an active member",
					"intent_id", in.ID, "group", in.Group, "active", others[0].ID)
				suspended++
				continue
			}
			in.Activate(runCtx)
		}
		if suspended > 0 {
			s.save()
		}
		slog.Info("intents restored", "count", restored, "suspended", suspended)
	})
}

// activeInGroup returns the active intents sharing in's group, in excluded.
func (s *IntentService) activeInGroup(in *intent.Intent) []*intent.Intent {
	if in.Group == "" {
		return nil
	}
	var out []*intent.Intent
	for _, other := range s.sorted() {
		if other != in && other.Group == in.Group && other.IsActive() {
			out = append(out, other)
		}
	}
	return out
}

// stateChanged forgets the last broadcast stage of in and publishes its
// current state.
func (s *IntentService) stateChanged(ctx context.Context, in *intent.Intent) {
	delete(s.lastStage, in.ID)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, broadcast.EventIntentState, in.Info())
	}
}

// do runs fn on the engine goroutine and waits for it.
func (s *IntentService) do(ctx context.Context, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	op := func(runCtx context.Context) {
		defer close(finished)
		fn(runCtx)
	}

	select {
	case s.ops <- op:
	case <-s.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (s *IntentService) tick(ctx context.Context, now time.Time) {
	dirty := false
	for _, in := range s.sorted() {
		if !in.IsActive() {
			continue
		}
		s.update(in, now)
		if in.TakeDirty() {
			dirty = true
		}

		stage := in.CurrentStage()
		if prev, ok := s.lastStage[in.ID]; !ok || prev != stage {
			s.lastStage[in.ID] = stage
			if s.hub != nil {
				s.hub.BroadcastEvent(ctx, broadcast.EventIntentState, in.Info())
			}
		}
	}
	if dirty {
		s.save()
	}
}

// update runs one tick of in. A panic in a stage is a defect in the
// behavior; the intent is deactivated and the engine carries on.
func (s *IntentService) update(in *intent.Intent, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("intent stage panicked, deactivating",
				"intent_id", in.ID, "type", in.Type, "stage", in.CurrentStage(), "panic", r)
			in.Deactivate()
			s.save()
		}
	}()
	in.Update(now)
}

func (s *IntentService) remove(in *intent.Intent) {
	in.Deactivate()
	delete(s.intents, in.ID)
	delete(s.lastStage, in.ID)
}

// save queues the current set for persistence, replacing a pending one.
func (s *IntentService) save() {
	if s.onSave == nil {
		return
	}
	saved := make([]intent.Saved, 0, len(s.intents))
	for _, in := range s.sorted() {
		saved = append(saved, in.Save())
	}
	select {
	case <-s.saves:
	default:
	}
	s.saves <- saved
}

func (s *IntentService) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case saved := <-s.saves:
			if err := s.onSave(ctx, saved); err != nil {
				slog.Warn("persist intents failed", "error", err)
			}
		}
	}
}

func (s *IntentService) sorted() []*intent.Intent {
	ids := slices.Sorted(maps.Keys(s.intents))
	out := make([]*intent.Intent, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.intents[id])
	}
	return out
}
