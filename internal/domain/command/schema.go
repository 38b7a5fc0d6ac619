package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Strob0t/hostagent/internal/domain"
)

// Definition describes one command: its numeric id, name, routing type and
// a constructor for its params struct.
type Definition struct {
	ID   ID
	Name string
	Type Type
	New  func() any
}

type defaulter interface {
	SetDefaults()
}

type validator interface {
	Validate() error
}

// Schema validates raw commands against registered definitions and fills
// defaults. It is safe for concurrent use.
type Schema struct {
	mu     sync.RWMutex
	byID   map[ID]Definition
	byName map[string]Definition
}

// NewSchema returns an empty schema.
func NewSchema() *Schema {
	return &Schema{
		byID:   make(map[ID]Definition),
		byName: make(map[string]Definition),
	}
}

// DefaultSchema returns a schema with every built-in command registered.
func DefaultSchema() *Schema {
	s := NewSchema()
	empty := func() any { return &Empty{} }
	for _, d := range []Definition{
		{IDGetStatus, "GetStatus", TypeAgent, empty},
		{IDReportStatus, "ReportStatus", TypeAgent, func() any { return &ReportParams{} }},
		{IDReportContact, "ReportContact", TypeAgent, func() any { return &ReportParams{} }},
		{IDGetAgentConfiguration, "GetAgentConfiguration", TypeAgent, empty},
		{IDUpdateAgentConfiguration, "UpdateAgentConfiguration", TypeAgent, func() any { return &UpdateConfigurationParams{} }},
		{IDStartServers, "StartServers", TypeAgent, empty},
		{IDStopServers, "StopServers", TypeAgent, empty},
		{IDShutdownAgent, "ShutdownAgent", TypeAgent, empty},
		{IDListTasks, "ListTasks", TypeAgent, empty},
		{IDCancelTask, "CancelTask", TypeAgent, func() any { return &TaskParams{} }},
		{IDRunIntent, "RunIntent", TypeAgent, func() any { return &RunIntentParams{} }},
		{IDRemoveIntent, "RemoveIntent", TypeAgent, func() any { return &IntentParams{} }},
		{IDListIntents, "ListIntents", TypeAgent, empty},
		{IDActivateIntent, "ActivateIntent", TypeAgent, func() any { return &IntentParams{} }},
		{IDDeactivateIntent, "DeactivateIntent", TypeAgent, func() any { return &IntentParams{} }},

		{IDDiscoverLink, "DiscoverLink", TypeLink, func() any { return &DiscoverLinkParams{} }},
		{IDLinkAnnounce, "LinkAnnounce", TypeLink, func() any { return &LinkAnnounceParams{} }},
		{IDAgentStatus, "AgentStatus", TypeLink, func() any { return &RecordParams{} }},
		{IDAgentContact, "AgentContact", TypeLink, func() any { return &RecordParams{} }},
		{IDTaskRecord, "TaskRecord", TypeLink, func() any { return &RecordParams{} }},
		{IDCommandResponse, "CommandResponse", TypeLink, func() any { return &RecordParams{} }},

		{IDMediaPlay, "MediaPlay", TypeMedia, func() any { return &MediaPlayParams{} }},
		{IDMediaStop, "MediaStop", TypeMedia, empty},
		{IDDisplayShowURL, "DisplayShowUrl", TypeDisplay, func() any { return &DisplayShowURLParams{} }},
		{IDDisplayClear, "DisplayClear", TypeDisplay, empty},
		{IDCacheFetch, "CacheFetch", TypeCache, func() any { return &CacheFetchParams{} }},
		{IDCacheList, "CacheList", TypeCache, empty},
		{IDCacheEvict, "CacheEvict", TypeCache, func() any { return &CacheKeyParams{} }},
	} {
		s.Register(d)
	}
	return s
}

// Register adds a definition. Registering the same id or name twice panics;
// definitions are fixed at process initialization.
func (s *Schema) Register(d Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[d.ID]; exists {
		panic(fmt.Sprintf("command: duplicate registration for id %d", d.ID))
	}
	if _, exists := s.byName[d.Name]; exists {
		panic(fmt.Sprintf("command: duplicate registration for %q", d.Name))
	}
	s.byID[d.ID] = d
	s.byName[d.Name] = d
}

// Lookup returns the definition registered for id.
func (s *Schema) Lookup(id ID) (Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	return d, ok
}

// Parse decodes data into an Invocation, resolving the definition by id
// (or by name when the id is absent), filling defaults and validating the
// params. Every error wraps domain.ErrValidation.
func (s *Schema) Parse(data []byte) (*Invocation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed command: %v", domain.ErrValidation, err)
	}

	def, err := s.resolve(env.CommandID, env.CommandName)
	if err != nil {
		return nil, err
	}
	if env.CommandType != 0 && env.CommandType != def.Type {
		return nil, fmt.Errorf("%w: command %s has type %d, got %d", domain.ErrValidation, def.Name, def.Type, env.CommandType)
	}
	if env.Prefix.Priority < 0 || env.Prefix.Priority > MaxPriority {
		return nil, fmt.Errorf("%w: priority must be within 0..%d", domain.ErrValidation, MaxPriority)
	}
	if env.Prefix.Duration < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", domain.ErrValidation)
	}

	params, err := decodeParams(def, env.Params)
	if err != nil {
		return nil, err
	}

	return &Invocation{
		Prefix:      env.Prefix,
		CommandID:   def.ID,
		CommandName: def.Name,
		CommandType: def.Type,
		Params:      params,
	}, nil
}

// New builds an outgoing invocation. A nil params value is replaced by the
// defaults of the definition. The params are validated like inbound ones.
func (s *Schema) New(id ID, prefix Prefix, params any) (*Invocation, error) {
	def, err := s.resolve(id, "")
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = def.New()
		if d, ok := params.(defaulter); ok {
			d.SetDefaults()
		}
	}
	if v, ok := params.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return &Invocation{
		Prefix:      prefix,
		CommandID:   def.ID,
		CommandName: def.Name,
		CommandType: def.Type,
		Params:      params,
	}, nil
}

func (s *Schema) resolve(id ID, name string) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id != 0 {
		if d, ok := s.byID[id]; ok {
			return d, nil
		}
		return Definition{}, fmt.Errorf("%w: unknown command id %d", domain.ErrValidation, id)
	}
	if d, ok := s.byName[name]; ok && name != "" {
		return d, nil
	}
	return Definition{}, fmt.Errorf("%w: unknown command %q", domain.ErrValidation, name)
}

func decodeParams(def Definition, raw json.RawMessage) (any, error) {
	params := def.New()
	if d, ok := params.(defaulter); ok {
		d.SetDefaults()
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] != '{' {
			return nil, fmt.Errorf("%w: params of %s must be an object", domain.ErrValidation, def.Name)
		}
		if err := json.Unmarshal(raw, params); err != nil {
			return nil, fmt.Errorf("%w: params of %s: %v", domain.ErrValidation, def.Name, err)
		}
	}

	if v, ok := params.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return params, nil
}
