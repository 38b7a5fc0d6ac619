// Package command defines the structured command envelope exchanged over
// HTTP, UDP and the link connection, and the schema that validates it.
package command

import (
	"context"
	"encoding/json"
)

// Type is the routing namespace of a command. Handlers are registered per
// (Type, path) pair.
type Type int

const (
	TypeAgent   Type = 1
	TypeLink    Type = 2
	TypeMedia   Type = 3
	TypeDisplay Type = 4
	TypeCache   Type = 5
)

// ID identifies a single command definition.
type ID int

// Agent control commands.
const (
	IDGetStatus                ID = 100
	IDReportStatus             ID = 101
	IDReportContact            ID = 102
	IDGetAgentConfiguration    ID = 103
	IDUpdateAgentConfiguration ID = 104
	IDStartServers             ID = 105
	IDStopServers              ID = 106
	IDShutdownAgent            ID = 107
	IDListTasks                ID = 108
	IDCancelTask               ID = 109
	IDRunIntent                ID = 110
	IDRemoveIntent             ID = 111
	IDListIntents              ID = 112
	IDActivateIntent           ID = 113
	IDDeactivateIntent         ID = 114
)

// Link commands and events.
const (
	IDDiscoverLink    ID = 200
	IDLinkAnnounce    ID = 201
	IDAgentStatus     ID = 202
	IDAgentContact    ID = 203
	IDTaskRecord      ID = 204
	IDCommandResponse ID = 205
)

// Domain server commands.
const (
	IDMediaPlay      ID = 300
	IDMediaStop      ID = 301
	IDDisplayShowURL ID = 400
	IDDisplayClear   ID = 401
	IDCacheFetch     ID = 500
	IDCacheList      ID = 501
	IDCacheEvict     ID = 502
)

// MaxPriority is the highest accepted prefix priority.
const MaxPriority = 100

// Prefix carries sender metadata common to every command.
type Prefix struct {
	AgentID  string         `json:"agentId,omitempty"`
	UserID   string         `json:"userId,omitempty"`
	Priority int            `json:"priority"`
	Start    int64          `json:"start,omitempty"`
	Duration int64          `json:"duration,omitempty"`
	Record   map[string]any `json:"record,omitempty"`
}

// Invocation is a command that passed schema validation. Params holds a
// pointer to the typed parameter struct registered for CommandID.
type Invocation struct {
	Prefix      Prefix `json:"prefix"`
	CommandID   ID     `json:"commandId"`
	CommandName string `json:"commandName"`
	CommandType Type   `json:"commandType"`
	Params      any    `json:"params"`
}

// Handler answers one command. A nil result means "no content".
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// envelope is the undecoded wire form of an Invocation.
type envelope struct {
	Prefix      Prefix          `json:"prefix"`
	CommandID   ID              `json:"commandId"`
	CommandName string          `json:"commandName"`
	CommandType Type            `json:"commandType"`
	Params      json.RawMessage `json:"params"`
}

// ParamsAs returns the typed params of inv. The second result is false when
// the params are not of type T.
func ParamsAs[T any](inv *Invocation) (*T, bool) {
	if inv == nil {
		return nil, false
	}
	p, ok := inv.Params.(*T)
	return p, ok
}
