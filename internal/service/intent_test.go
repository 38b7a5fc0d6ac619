package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/intent"
	"github.com/Strob0t/hostagent/internal/port/broadcast"
	"github.com/Strob0t/hostagent/internal/service"
)

// groupWatcher checks on every tick that no other intent of its group is
// active.
type groupWatcher struct {
	mu        sync.Mutex
	created   []*intent.Intent
	violation atomic.Bool
	ticks     atomic.Int32
}

func (g *groupWatcher) factory(in *intent.Intent) (intent.Behavior, error) {
	g.mu.Lock()
	g.created = append(g.created, in)
	g.mu.Unlock()
	in.Stage("Showing", func(in *intent.Intent) { in.SetState("shown", true) })
	return g, nil
}

func (g *groupWatcher) Start(in *intent.Intent) { in.SetStage("Showing") }

func (g *groupWatcher) Tick(in *intent.Intent, _ time.Time) {
	g.ticks.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, other := range g.created {
		if other != in && other.Group == in.Group && other.IsActive() {
			g.violation.Store(true)
		}
	}
}

type panicky struct{}

func (panicky) Start(in *intent.Intent) { in.SetStage("Boom") }
func (panicky) Tick(*intent.Intent, time.Time) {}

type savedSink struct {
	mu    sync.Mutex
	saved []intent.Saved
	calls int
}

func (s *savedSink) save(_ context.Context, saved []intent.Saved) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = saved
	s.calls++
	return nil
}

func (s *savedSink) last() []intent.Saved {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

func newIntentEngine(t *testing.T, hub *recordingHub, sink *savedSink) (*service.IntentService, *groupWatcher) {
	t.Helper()
	g := &groupWatcher{}
	reg := intent.NewRegistry()
	reg.Register("test.show", g.factory)
	reg.Register("test.panic", func(in *intent.Intent) (intent.Behavior, error) {
		in.Stage("Boom", func(*intent.Intent) { panic("stage defect") })
		return panicky{}, nil
	})
	reg.Register("test.fetch", func(in *intent.Intent) (intent.Behavior, error) {
		in.Stage("Fetching", func(in *intent.Intent) {
			in.StageAwait(func(context.Context) (any, error) {
				return nil, errors.New("status unavailable")
			}, "Resting")
		})
		in.Stage("Resting", func(in *intent.Intent) {
			_, err := in.Result()
			in.SetState("lastError", err.Error())
		})
		return startStage("Fetching"), nil
	})

	var onSave func(context.Context, []intent.Saved) error
	if sink != nil {
		onSave = sink.save
	}
	var bc broadcast.Broadcaster
	if hub != nil {
		bc = hub
	}
	eng := service.NewIntentService(reg, bc, onSave)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return eng, g
}

type startStage string

func (s startStage) Start(in *intent.Intent) { in.SetStage(string(s)) }
func (startStage) Tick(*intent.Intent, time.Time) {}

func TestIntentEngine_GroupExclusion(t *testing.T) {
	eng, g := newIntentEngine(t, nil, nil)
	ctx := context.Background()

	first, err := eng.RunIntent(ctx, intent.Saved{Type: "test.show", Group: "display"})
	if err != nil {
		t.Fatalf("run first: %v", err)
	}
	waitFor(t, "first intent to tick", func() bool { return g.ticks.Load() > 2 })

	second, err := eng.RunIntent(ctx, intent.Saved{Type: "test.show", Group: "display"})
	if err != nil {
		t.Fatalf("run second: %v", err)
	}
	before := g.ticks.Load()
	waitFor(t, "second intent to tick", func() bool { return g.ticks.Load() > before+2 })

	if g.violation.Load() {
		t.Error("two intents of one group were active in the same tick")
	}
	list, err := eng.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != second.ID || !list[0].IsActive {
		t.Errorf("expected only %s to remain, got %+v", second.ID, list)
	}
	if list[0].ID == first.ID {
		t.Error("superseded intent still listed")
	}
}

func TestIntentEngine_DifferentGroupsCoexist(t *testing.T) {
	eng, _ := newIntentEngine(t, nil, nil)
	ctx := context.Background()

	if _, err := eng.RunIntent(ctx, intent.Saved{Type: "test.show", Group: "left"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RunIntent(ctx, intent.Saved{Type: "test.show", Group: "right"}); err != nil {
		t.Fatal(err)
	}
	list, _ := eng.List(ctx)
	if len(list) != 2 {
		t.Errorf("expected two intents, got %d", len(list))
	}
}

func TestIntentEngine_RejectedAwait(t *testing.T) {
	eng, _ := newIntentEngine(t, nil, nil)
	ctx := context.Background()

	info, err := eng.RunIntent(ctx, intent.Saved{Type: "test.fetch"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "Resting stage", func() bool {
		list, _ := eng.List(ctx)
		return len(list) == 1 && list[0].Stage == "Resting"
	})

	list, _ := eng.List(ctx)
	if list[0].ID != info.ID || list[0].State["lastError"] != "status unavailable" {
		t.Errorf("expected the error to be captured in state, got %+v", list[0])
	}
}

func TestIntentEngine_PanicDeactivates(t *testing.T) {
	eng, g := newIntentEngine(t, nil, nil)
	ctx := context.Background()

	bad, err := eng.RunIntent(ctx, intent.Saved{Type: "test.panic"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RunIntent(ctx, intent.Saved{Type: "test.show"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "panicking intent to be deactivated", func() bool {
		list, _ := eng.List(ctx)
		for _, in := range list {
			if in.ID == bad.ID {
				return !in.IsActive
			}
		}
		return false
	})
	before := g.ticks.Load()
	waitFor(t, "engine to keep ticking", func() bool { return g.ticks.Load() > before })
}

func TestIntentEngine_UnknownTypeAndRemove(t *testing.T) {
	eng, _ := newIntentEngine(t, nil, nil)
	ctx := context.Background()

	if _, err := eng.RunIntent(ctx, intent.Saved{Type: "nope"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if err := eng.RemoveIntent(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	info, _ := eng.RunIntent(ctx, intent.Saved{Type: "test.show"})
	if err := eng.RemoveIntent(ctx, info.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if list, _ := eng.List(ctx); len(list) != 0 {
		t.Errorf("expected empty list, got %+v", list)
	}
}

func TestIntentEngine_SaveAndRestore(t *testing.T) {
	sink := &savedSink{}
	hub := &recordingHub{}
	eng, _ := newIntentEngine(t, hub, sink)
	ctx := context.Background()

	info, err := eng.RunIntent(ctx, intent.Saved{Type: "test.show", Name: "lobby", Group: "display"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "state to be saved", func() bool {
		saved := sink.last()
		return len(saved) == 1 && saved[0].State["shown"] == true
	})
	if hub.count(broadcast.EventIntentState) == 0 {
		t.Error("expected an intent state event")
	}

	restored, _ := newIntentEngine(t, nil, nil)
	if err := restored.Restore(ctx, sink.last()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	list, _ := restored.List(ctx)
	if len(list) != 1 || list[0].ID != info.ID || list[0].Name != "lobby" || !list[0].IsActive {
		t.Errorf("unexpected restored set %+v", list)
	}
}

func activeIDs(t *testing.T, eng *service.IntentService) []string {
	t.Helper()
	list, err := eng.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, in := range list {
		if in.IsActive {
			out = append(out, in.ID)
		}
	}
	return out
}

func TestIntentEngine_RestoreKeepsOneActivePerGroup(t *testing.T) {
	sink := &savedSink{}
	eng, g := newIntentEngine(t, nil, sink)
	ctx := context.Background()

	err := eng.Restore(ctx, []intent.Saved{
		{ID: "a-1", Type: "test.show", Group: "display", Active: true},
		{ID: "b-2", Type: "test.show", Group: "display", Active: true},
		{ID: "c-3", Type: "test.show", Group: "audio", Active: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := activeIDs(t, eng); len(got) != 2 || got[0] != "a-1" || got[1] != "c-3" {
		t.Fatalf("active after restore %v, want [a-1 c-3]", got)
	}
	waitFor(t, "restored intents to tick", func() bool { return g.ticks.Load() > 4 })
	if g.violation.Load() {
		t.Error("two intents of one group were active in the same tick")
	}
	waitFor(t, "suspended member to be persisted", func() bool {
		for _, sv := range sink.last() {
			if sv.ID == "b-2" {
				return !sv.Active
			}
		}
		return false
	})
}

func TestIntentEngine_RestoreYieldsToRunningIntent(t *testing.T) {
	eng, g := newIntentEngine(t, nil, nil)
	ctx := context.Background()

	running, err := eng.RunIntent(ctx, intent.Saved{Type: "test.show", Group: "display"})
	if err != nil {
		t.Fatal(err)
	}
	err = eng.Restore(ctx, []intent.Saved{
		{ID: running.ID, Type: "test.show", Name: "stale", Group: "display", Active: true},
		{ID: "saved-1", Type: "test.show", Group: "display", Active: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := activeIDs(t, eng); len(got) != 1 || got[0] != running.ID {
		t.Fatalf("active after restore %v, want only %s", got, running.ID)
	}
	list, _ := eng.List(ctx)
	for _, in := range list {
		if in.ID == running.ID && in.Name == "stale" {
			t.Error("restore replaced the running intent")
		}
	}
	before := g.ticks.Load()
	waitFor(t, "engine to tick", func() bool { return g.ticks.Load() > before+2 })
	if g.violation.Load() {
		t.Error("two intents of one group were active in the same tick")
	}
}

func TestIntentEngine_DeactivateAndActivate(t *testing.T) {
	sink := &savedSink{}
	hub := &recordingHub{}
	eng, g := newIntentEngine(t, hub, sink)
	ctx := context.Background()

	err := eng.Restore(ctx, []intent.Saved{
		{ID: "a-1", Type: "test.show", Group: "display", Active: true},
		{ID: "b-2", Type: "test.show", Group: "display", Active: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a-1 to show", func() bool {
		list, _ := eng.List(ctx)
		return len(list) == 2 && list[0].Stage == "Showing"
	})

	info, err := eng.ActivateIntent(ctx, "b-2")
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsActive || info.Stage != "" {
		t.Errorf("activated intent %+v, want active from the initial stage", info)
	}
	if got := activeIDs(t, eng); len(got) != 1 || got[0] != "b-2" {
		t.Fatalf("active after activation %v, want [b-2]", got)
	}
	waitFor(t, "b-2 to enter its first stage", func() bool {
		list, _ := eng.List(ctx)
		return list[1].Stage == "Showing"
	})

	info, err = eng.DeactivateIntent(ctx, "b-2")
	if err != nil {
		t.Fatal(err)
	}
	if info.IsActive {
		t.Error("deactivated intent still active")
	}
	before := g.ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if g.ticks.Load() != before {
		t.Error("deactivated intents still tick")
	}
	waitFor(t, "deactivation to be persisted", func() bool {
		saved := sink.last()
		return len(saved) == 2 && !saved[0].Active && !saved[1].Active
	})
	if g.violation.Load() {
		t.Error("two intents of one group were active in the same tick")
	}
	if hub.count(broadcast.EventIntentState) == 0 {
		t.Error("expected intent state events")
	}

	if _, err := eng.ActivateIntent(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := eng.DeactivateIntent(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIntentEngine_StoppedRejectsRequests(t *testing.T) {
	eng := service.NewIntentService(intent.NewRegistry(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	<-done

	if _, err := eng.List(context.Background()); !errors.Is(err, service.ErrEngineStopped) {
		t.Errorf("expected ErrEngineStopped, got %v", err)
	}
}
