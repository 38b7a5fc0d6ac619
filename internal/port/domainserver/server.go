// Package domainserver defines the port implemented by the pluggable domain
// servers (cache, media, display) hosted by the agent.
package domainserver

import (
	"context"
	"net/http"

	"github.com/Strob0t/hostagent/internal/domain/command"
	"github.com/Strob0t/hostagent/internal/domain/intent"
	"github.com/Strob0t/hostagent/internal/domain/task"
)

// Routes is the part of the command transport a server may register on.
type Routes interface {
	AddInvokeHandler(path string, typ command.Type, h command.Handler)
	RemoveInvokeHandler(path string, typ command.Type)
	AddRawHandler(path string, h http.Handler)
	RemoveRawHandler(path string)
}

// Tasks is the part of the task runner a server may use.
type Tasks interface {
	Admit(t *task.Task) string
	Cancel(id string) error
}

// Env carries the agent facilities handed to a server at construction.
type Env struct {
	Routes  Routes
	Tasks   Tasks
	Intents *intent.Registry
	DataDir string
	BinDir  string
}

// Server is one domain capability hosted by the agent.
type Server interface {
	// Type returns the registered server type, e.g. "cache".
	Type() string

	// Schema lists the accepted configuration parameters.
	Schema() Schema

	// Check validates the values of a merged configuration that already
	// passed Schema().Validate. It applies nothing.
	Check(cfg map[string]any) error

	// Configure applies a validated, merged configuration. It is only
	// called while the server is stopped.
	Configure(cfg map[string]any) error

	// Start registers routes and starts background work.
	Start(ctx context.Context) error

	// Stop unregisters routes and stops background work.
	Stop(ctx context.Context) error

	// IsRunning reports whether the server is started and healthy.
	IsRunning() bool

	// Status returns the server specific status fields.
	Status() map[string]any
}
