package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/hostagent/internal/domain/task"
)

// recordingHub collects published events.
type recordingHub struct {
	mu     sync.Mutex
	events []hubEvent
}

type hubEvent struct {
	Type    string
	Payload any
}

func (h *recordingHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, hubEvent{Type: eventType, Payload: payload})
}

func (h *recordingHub) taskRecords() []task.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []task.Record
	for _, e := range h.events {
		if rec, ok := e.Payload.(task.Record); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (h *recordingHub) recordsFor(id string) []task.Record {
	var out []task.Record
	for _, r := range h.taskRecords() {
		if r.ID == id {
			out = append(out, r)
		}
	}
	return out
}

func (h *recordingHub) closedCount() int {
	n := 0
	for _, r := range h.taskRecords() {
		if r.Closed {
			n++
		}
	}
	return n
}

func (h *recordingHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
