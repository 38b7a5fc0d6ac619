// Package agent defines the agent identity and its persisted run state.
package agent

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/intent"
)

// ApplicationName is reported in every status and contact record.
const ApplicationName = "hostagent"

// Identity describes this agent process. It is fixed once startup has bound
// the transports.
type Identity struct {
	AgentID         string `json:"agentId"`
	URLHostname     string `json:"urlHostname"`
	TCPPort         int    `json:"tcpPort"`
	UDPPort         int    `json:"udpPort"`
	DisplayName     string `json:"displayName"`
	ApplicationName string `json:"applicationName"`
	Platform        string `json:"platform"`
	StartTime       int64  `json:"startTime"`
}

// RunState is the mutable agent configuration that survives restarts.
type RunState struct {
	Enabled              bool                      `json:"enabled"`
	DisplayName          string                    `json:"displayName"`
	ServerConfigurations map[string]map[string]any `json:"serverConfigurations"`
	Intents              []intent.Saved            `json:"intents"`
}

// DefaultRunState is the state of a freshly installed agent.
func DefaultRunState() RunState {
	return RunState{
		Enabled:              true,
		ServerConfigurations: map[string]map[string]any{},
		Intents:              []intent.Saved{},
	}
}

// Normalize replaces nil collections with empty ones so that a state and
// its decoded copy compare equal.
func (s *RunState) Normalize() {
	if s.ServerConfigurations == nil {
		s.ServerConfigurations = map[string]map[string]any{}
	}
	for name, c := range s.ServerConfigurations {
		if c == nil {
			s.ServerConfigurations[name] = map[string]any{}
		}
	}
	if s.Intents == nil {
		s.Intents = []intent.Saved{}
	}
	for i := range s.Intents {
		if s.Intents[i].Configuration == nil {
			s.Intents[i].Configuration = map[string]any{}
		}
		if s.Intents[i].State == nil {
			s.Intents[i].State = map[string]any{}
		}
	}
}

// Clone returns a copy that shares no maps or slices with s. Nested values
// inside configuration maps are shared.
func (s RunState) Clone() RunState {
	out := s
	out.ServerConfigurations = make(map[string]map[string]any, len(s.ServerConfigurations))
	for name, c := range s.ServerConfigurations {
		out.ServerConfigurations[name] = maps.Clone(c)
	}
	out.Intents = slices.Clone(s.Intents)
	for i := range out.Intents {
		out.Intents[i].Configuration = maps.Clone(out.Intents[i].Configuration)
		out.Intents[i].State = maps.Clone(out.Intents[i].State)
	}
	return out
}

// Validate checks the structural invariants of a decoded state.
func (s *RunState) Validate() error {
	if len(s.DisplayName) > 128 {
		return fmt.Errorf("%w: displayName too long", domain.ErrValidation)
	}
	for i, in := range s.Intents {
		if in.Type == "" {
			return fmt.Errorf("%w: intent %d has no type", domain.ErrValidation, i)
		}
		if _, err := uuid.Parse(in.ID); err != nil {
			return fmt.Errorf("%w: intent %d has an invalid id", domain.ErrValidation, i)
		}
	}
	return nil
}

// StateFile is the on-disk document holding the agent id and run state.
type StateFile struct {
	AgentID            string   `json:"agentId"`
	AgentConfiguration RunState `json:"agentConfiguration"`
}

// Validate checks the agent id and the run state.
func (f *StateFile) Validate() error {
	if _, err := uuid.Parse(f.AgentID); err != nil {
		return fmt.Errorf("%w: agentId is not a UUID", domain.ErrValidation)
	}
	return f.AgentConfiguration.Validate()
}

// Status values for the agent and its servers.
const (
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusDisabled = "disabled"
)
