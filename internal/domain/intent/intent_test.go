package intent

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fetcher awaits a status fetch and rests afterwards.
type fetcher struct {
	fetch   Operation
	entries []string
	ticks   int
}

func (f *fetcher) Start(in *Intent) { in.SetStage("Fetching") }

func (f *fetcher) Tick(*Intent, time.Time) { f.ticks++ }

func newFetcherRegistry(f *fetcher) *Registry {
	r := NewRegistry()
	r.Register("test.fetch", func(in *Intent) (Behavior, error) {
		in.Stage("Fetching", func(in *Intent) {
			f.entries = append(f.entries, "Fetching")
			in.StageAwait(f.fetch, "Resting")
		})
		in.Stage("Resting", func(in *Intent) {
			f.entries = append(f.entries, "Resting")
		})
		return f, nil
	})
	return r
}

func (in *Intent) hasResolution() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.resolved != nil
}

func waitResolved(t *testing.T, in *Intent) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !in.hasResolution() {
		if time.Now().After(deadline) {
			t.Fatal("await never resolved")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRejectedAwaitEntersNextStageOnLaterTick(t *testing.T) {
	fetchErr := errors.New("status unavailable")
	f := &fetcher{fetch: func(context.Context) (any, error) { return nil, fetchErr }}
	in, err := newFetcherRegistry(f).New(Saved{Type: "test.fetch"})
	if err != nil {
		t.Fatal(err)
	}

	in.Activate(context.Background())
	in.Update(time.Now())
	if in.CurrentStage() != "Fetching" || !in.Awaiting() {
		t.Fatalf("expected to await in Fetching, stage=%q awaiting=%v", in.CurrentStage(), in.Awaiting())
	}

	waitResolved(t, in)
	if in.CurrentStage() != "Fetching" {
		t.Fatal("resolution must not transition outside a tick")
	}

	in.Update(time.Now())
	if in.CurrentStage() != "Resting" {
		t.Fatalf("expected Resting, got %q", in.CurrentStage())
	}
	if _, err := in.Result(); !errors.Is(err, fetchErr) {
		t.Errorf("expected captured error, got %v", err)
	}
	if len(f.entries) != 2 || f.entries[1] != "Resting" {
		t.Errorf("unexpected stage entries %v", f.entries)
	}
}

func TestSuccessfulAwaitStoresValue(t *testing.T) {
	f := &fetcher{fetch: func(context.Context) (any, error) { return "on", nil }}
	in, _ := newFetcherRegistry(f).New(Saved{Type: "test.fetch"})

	in.Activate(context.Background())
	in.Update(time.Now())
	waitResolved(t, in)
	in.Update(time.Now())

	v, err := in.Result()
	if err != nil || v != "on" {
		t.Errorf("expected value on, got %v %v", v, err)
	}
}

func TestInactiveUpdateIsNoop(t *testing.T) {
	f := &fetcher{fetch: func(context.Context) (any, error) { return nil, nil }}
	in, _ := newFetcherRegistry(f).New(Saved{Type: "test.fetch"})

	in.Update(time.Now())
	if f.ticks != 0 || in.CurrentStage() != "" {
		t.Error("inactive intent must not tick")
	}
}

func TestDeactivateDropsPendingAwait(t *testing.T) {
	release := make(chan struct{})
	f := &fetcher{fetch: func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	in, _ := newFetcherRegistry(f).New(Saved{Type: "test.fetch"})

	in.Activate(context.Background())
	in.Update(time.Now())
	in.Deactivate()
	close(release)
	time.Sleep(20 * time.Millisecond)

	if in.hasResolution() {
		t.Error("result of a cancelled await must be discarded")
	}

	in.Activate(context.Background())
	in.Update(time.Now())
	if len(f.entries) != 2 || f.entries[1] != "Fetching" {
		t.Errorf("expected reactivation to restart at the initial stage, got %v", f.entries)
	}
}

func TestSetStageSupersedesAwait(t *testing.T) {
	f := &fetcher{fetch: func(context.Context) (any, error) { return 1, nil }}
	in, _ := newFetcherRegistry(f).New(Saved{Type: "test.fetch"})
	in.Stage("Manual", func(*Intent) {})

	in.Activate(context.Background())
	in.Update(time.Now())
	in.SetStage("Manual")
	time.Sleep(20 * time.Millisecond)
	in.Update(time.Now())

	if in.CurrentStage() != "Manual" {
		t.Errorf("stale await must not move the intent, stage=%q", in.CurrentStage())
	}
}

func TestTimeoutWait(t *testing.T) {
	r := NewRegistry()
	r.Register("test.wait", func(in *Intent) (Behavior, error) {
		in.Stage("Waiting", func(in *Intent) { in.TimeoutWait(10*time.Millisecond, "Done") })
		in.Stage("Done", func(*Intent) {})
		return startAt("Waiting"), nil
	})
	in, _ := r.New(Saved{Type: "test.wait"})

	in.Activate(context.Background())
	in.Update(time.Now())
	waitResolved(t, in)
	in.Update(time.Now())
	if in.CurrentStage() != "Done" {
		t.Errorf("expected Done, got %q", in.CurrentStage())
	}
}

type startAt string

func (s startAt) Start(in *Intent) { in.SetStage(string(s)) }
func (s startAt) Tick(*Intent, time.Time) {}

func TestRegistryFailsClosed(t *testing.T) {
	r := NewRegistry()
	if _, err := r.New(Saved{Type: "nope"}); err == nil {
		t.Fatal("expected error for unknown type")
	}

	r.Register("bad", func(*Intent) (Behavior, error) { return nil, errors.New("missing urls") })
	if _, err := r.New(Saved{Type: "bad"}); err == nil {
		t.Fatal("expected factory error to reject the intent")
	}
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()
	r.Register("x", func(*Intent) (Behavior, error) { return startAt(""), nil })

	in, err := r.New(Saved{Type: "x", State: map[string]any{"index": 2}})
	if err != nil {
		t.Fatal(err)
	}
	if in.ID == "" || in.Name != "x" || in.DisplayName != "x" {
		t.Errorf("unexpected defaults: %+v", in.Info())
	}
	if v, _ := in.StateValue("index"); v != 2 {
		t.Errorf("expected restored state, got %v", v)
	}
	in.SetState("index", 3)
	if !in.TakeDirty() || in.TakeDirty() {
		t.Error("expected dirty flag to be reported once")
	}
	if s := in.Save(); s.State["index"] != 3 || s.Active {
		t.Errorf("unexpected saved form %+v", s)
	}
}

func TestRegisterOnce(t *testing.T) {
	r := NewRegistry()
	f := func(*Intent) (Behavior, error) { return startAt(""), nil }
	if !r.RegisterOnce("x", f) {
		t.Fatal("first registration must succeed")
	}
	if r.RegisterOnce("x", f) {
		t.Error("second registration must be ignored")
	}
	if types := r.Types(); len(types) != 1 || types[0] != "x" {
		t.Errorf("unexpected types %v", types)
	}
}
