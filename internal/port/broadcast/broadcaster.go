// Package broadcast defines the port for publishing agent events to the
// coordinator link.
package broadcast

import "context"

// Event types published by the agent engines.
const (
	EventTaskRecord  = "task.record"
	EventIntentState = "intent.state"
	EventAgentStatus = "agent.status"
)

// Broadcaster publishes events best effort. Implementations log and drop
// events they cannot deliver.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to the coordinator.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
