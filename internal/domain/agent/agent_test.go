package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/intent"
)

func TestNormalizeFillsCollections(t *testing.T) {
	s := RunState{
		ServerConfigurations: map[string]map[string]any{"cache": nil},
		Intents:              []intent.Saved{{ID: "4b5c0e7a-7f1d-4e0a-9b8c-1d2e3f4a5b6c", Type: "display.rotate"}},
	}
	s.Normalize()

	if s.ServerConfigurations["cache"] == nil {
		t.Error("expected empty server configuration")
	}
	if s.Intents[0].Configuration == nil || s.Intents[0].State == nil {
		t.Error("expected empty intent maps")
	}

	var empty RunState
	empty.Normalize()
	if empty.ServerConfigurations == nil || empty.Intents == nil {
		t.Error("expected zero state to be normalized")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := DefaultRunState()
	s.ServerConfigurations["media"] = map[string]any{"volume": 50.0}
	s.Intents = append(s.Intents, intent.Saved{ID: "4b5c0e7a-7f1d-4e0a-9b8c-1d2e3f4a5b6c", Type: "t", State: map[string]any{"i": 1.0}})

	c := s.Clone()
	c.ServerConfigurations["media"]["volume"] = 10.0
	c.ServerConfigurations["cache"] = map[string]any{}
	c.Intents[0].State["i"] = 2.0

	if s.ServerConfigurations["media"]["volume"] != 50.0 {
		t.Error("clone shares server configuration")
	}
	if _, ok := s.ServerConfigurations["cache"]; ok {
		t.Error("clone shares the server map")
	}
	if s.Intents[0].State["i"] != 1.0 {
		t.Error("clone shares intent state")
	}
}

func TestStateFileValidate(t *testing.T) {
	tests := []struct {
		name    string
		file    StateFile
		wantErr bool
	}{
		{"valid", StateFile{AgentID: "4b5c0e7a-7f1d-4e0a-9b8c-1d2e3f4a5b6c", AgentConfiguration: DefaultRunState()}, false},
		{"bad agent id", StateFile{AgentID: "nope"}, true},
		{"long display name", StateFile{
			AgentID:            "4b5c0e7a-7f1d-4e0a-9b8c-1d2e3f4a5b6c",
			AgentConfiguration: RunState{DisplayName: strings.Repeat("x", 129)},
		}, true},
		{"intent without type", StateFile{
			AgentID:            "4b5c0e7a-7f1d-4e0a-9b8c-1d2e3f4a5b6c",
			AgentConfiguration: RunState{Intents: []intent.Saved{{ID: "4b5c0e7a-7f1d-4e0a-9b8c-1d2e3f4a5b6c"}}},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.file.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}
