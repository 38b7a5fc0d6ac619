package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("peer unavailable")

func fail(context.Context) error { return errTest }
func pass(context.Context) error { return nil }

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker("peer", 3, time.Second)
	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected call to pass, err=%v called=%v", err, called)
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker("peer", 3, time.Second)
	ctx := context.Background()

	for range 3 {
		_ = b.Execute(ctx, fail)
	}

	if err := b.Execute(ctx, pass); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("expected open, got %s", b.State())
	}
}

func TestHalfOpenTrialCloses(t *testing.T) {
	now := time.Now()
	b := NewBreaker("peer", 2, time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if err := b.Execute(ctx, pass); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if err := b.Execute(ctx, pass); err != nil {
		t.Fatalf("expected trial call to pass, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed after trial success, got %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker("peer", 2, time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	now = now.Add(2 * time.Second)
	_ = b.Execute(ctx, fail)

	if b.State() != StateOpen {
		t.Fatalf("expected open after trial failure, got %s", b.State())
	}
	if err := b.Execute(ctx, pass); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after reopen, got %v", err)
	}
}

func TestCancelledCallIsNotAFailure(t *testing.T) {
	b := NewBreaker("peer", 1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestSetIsPerPeer(t *testing.T) {
	s := NewSet(1, time.Minute)
	ctx := context.Background()

	_ = s.For("10.0.0.1:9000").Execute(ctx, fail)
	if err := s.For("10.0.0.2:9000").Execute(ctx, pass); err != nil {
		t.Errorf("other peer must not be affected, got %v", err)
	}
	if s.For("10.0.0.1:9000") != s.For("10.0.0.1:9000") {
		t.Error("expected the same breaker for the same peer")
	}
	if open := s.Open(); len(open) != 1 || open[0] != "10.0.0.1:9000" {
		t.Errorf("unexpected open peers %v", open)
	}
}
