package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/codes"

	cfotel "github.com/Strob0t/hostagent/internal/adapter/otel"
	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/agent"
	"github.com/Strob0t/hostagent/internal/port/domainserver"
)

// ServerInstance is one configured domain server with its base (static
// file) and delta (run state) configuration.
type ServerInstance struct {
	Name        string
	Description string
	Server      domainserver.Server

	base       map[string]any
	delta      map[string]any
	configured bool
	configErr  error
}

// ServerInfo is the reported view of a ServerInstance.
type ServerInfo struct {
	Name          string              `json:"name"`
	Type          string              `json:"type"`
	Description   string              `json:"description"`
	IsConfigured  bool                `json:"isConfigured"`
	IsRunning     bool                `json:"isRunning"`
	Status        map[string]any      `json:"status"`
	Configuration map[string]any      `json:"configuration"`
	Schema        domainserver.Schema `json:"schema"`
	Error         string              `json:"error,omitempty"`
}

// ServerRegistry owns the ordered list of domain servers. Start and stop
// sequences run strictly in series; mu guards only the instance fields.
type ServerRegistry struct {
	seq sync.Mutex

	mu        sync.Mutex
	instances []*ServerInstance
}

// NewServerRegistry returns an empty registry.
func NewServerRegistry() *ServerRegistry {
	return &ServerRegistry{}
}

// Add appends a server. Names must be unique.
func (r *ServerRegistry) Add(name, description string, s domainserver.Server, base map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.instances {
		if in.Name == name {
			return fmt.Errorf("%w: server %q configured twice", domain.ErrConflict, name)
		}
	}
	if err := s.Schema().Validate(base); err != nil {
		return fmt.Errorf("server %s: %w", name, err)
	}
	r.instances = append(r.instances, &ServerInstance{
		Name:        name,
		Description: description,
		Server:      s,
		base:        maps.Clone(base),
		delta:       map[string]any{},
	})
	return nil
}

// Names returns the server names in start order.
func (r *ServerRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.instances))
	for i, in := range r.instances {
		out[i] = in.Name
	}
	return out
}

func (r *ServerRegistry) snapshot() []*ServerInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.instances)
}

func (r *ServerRegistry) find(name string) *ServerInstance {
	for _, in := range r.instances {
		if in.Name == name {
			return in
		}
	}
	return nil
}

// SetDeltas installs the run state deltas without validation or restart.
// Used once at startup before the first StartAll; invalid deltas surface as
// a configure failure then.
func (r *ServerRegistry) SetDeltas(deltas map[string]map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range deltas {
		if in := r.find(name); in != nil {
			in.delta = maps.Clone(d)
			in.configured = false
		}
	}
}

// ValidateDeltas checks every delta before any is applied: the delta
// against the schema, then the configuration it would produce against the
// server's own checks.
func (r *ServerRegistry) ValidateDeltas(deltas map[string]map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range slices.Sorted(maps.Keys(deltas)) {
		in := r.find(name)
		if in == nil {
			return fmt.Errorf("%w: no server named %q", domain.ErrValidation, name)
		}
		schema := in.Server.Schema()
		if err := schema.Validate(deltas[name]); err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
		if err := in.Server.Check(schema.Merge(in.base, deltas[name])); err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
	}
	return nil
}

// ApplyDeltas replaces the deltas of the named servers and reconfigures
// them. A running server is stopped, reconfigured and started again. When
// any delta fails ValidateDeltas nothing is touched.
func (r *ServerRegistry) ApplyDeltas(ctx context.Context, deltas map[string]map[string]any) error {
	if err := r.ValidateDeltas(deltas); err != nil {
		return err
	}

	r.seq.Lock()
	defer r.seq.Unlock()

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(deltas)) {
		r.mu.Lock()
		in := r.find(name)
		if in != nil {
			in.delta = maps.Clone(deltas[name])
			in.configured = false
		}
		r.mu.Unlock()
		if in == nil {
			continue
		}

		wasRunning := in.Server.IsRunning()
		if wasRunning {
			if err := r.stopOne(ctx, in); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := r.configure(in); err != nil {
			errs = append(errs, err)
			continue
		}
		if wasRunning {
			if err := r.startOne(ctx, in); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *ServerRegistry) configure(in *ServerInstance) error {
	r.mu.Lock()
	if in.configured {
		r.mu.Unlock()
		return nil
	}
	schema := in.Server.Schema()
	merged := schema.Merge(in.base, in.delta)
	r.mu.Unlock()

	err := schema.Validate(merged)
	if err == nil {
		err = in.Server.Configure(merged)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	in.configured = err == nil
	in.configErr = err
	if err != nil {
		return fmt.Errorf("configure server %s: %w", in.Name, err)
	}
	return nil
}

func (r *ServerRegistry) startOne(ctx context.Context, in *ServerInstance) error {
	ctx, span := cfotel.StartServerSpan(ctx, "start", in.Name)
	defer span.End()

	if err := in.Server.Start(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("start server %s: %w", in.Name, err)
	}
	slog.Info("server started", "server", in.Name, "type", in.Server.Type())
	return nil
}

func (r *ServerRegistry) stopOne(ctx context.Context, in *ServerInstance) error {
	ctx, span := cfotel.StartServerSpan(ctx, "stop", in.Name)
	defer span.End()

	if err := in.Server.Stop(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("stop server %s: %w", in.Name, err)
	}
	slog.Info("server stopped", "server", in.Name)
	return nil
}

// StartAll configures and starts every server in order. The sequence stops
// at the first failure; servers started before it keep running.
func (r *ServerRegistry) StartAll(ctx context.Context) error {
	r.seq.Lock()
	defer r.seq.Unlock()

	for _, in := range r.snapshot() {
		if in.Server.IsRunning() {
			continue
		}
		if err := r.configure(in); err != nil {
			return err
		}
		if err := r.startOne(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every server in reverse order. Every server is attempted;
// the errors are joined.
func (r *ServerRegistry) StopAll(ctx context.Context) error {
	r.seq.Lock()
	defer r.seq.Unlock()

	var errs []error
	list := r.snapshot()
	for i := len(list) - 1; i >= 0; i-- {
		if err := r.stopOne(ctx, list[i]); err != nil {
			slog.Error("server stop failed", "server", list[i].Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsRunning reports whether at least one server is configured and every
// configured server is running.
func (r *ServerRegistry) IsRunning() bool {
	r.mu.Lock()
	list := slices.Clone(r.instances)
	configured := make([]bool, len(list))
	for i, in := range list {
		configured[i] = in.configured
	}
	r.mu.Unlock()

	n := 0
	for i, in := range list {
		if !configured[i] {
			continue
		}
		n++
		if !in.Server.IsRunning() {
			return false
		}
	}
	return n > 0
}

// Status returns the aggregate status word for the agent.
func (r *ServerRegistry) Status(enabled bool) string {
	switch {
	case !enabled:
		return agent.StatusDisabled
	case r.IsRunning():
		return agent.StatusRunning
	default:
		return agent.StatusStopped
	}
}

// Infos reports every server in start order.
func (r *ServerRegistry) Infos() []ServerInfo {
	list := r.snapshot()
	out := make([]ServerInfo, 0, len(list))
	for _, in := range list {
		r.mu.Lock()
		schema := in.Server.Schema()
		info := ServerInfo{
			Name:          in.Name,
			Type:          in.Server.Type(),
			Description:   in.Description,
			IsConfigured:  in.configured,
			Configuration: schema.Merge(in.base, in.delta),
			Schema:        schema,
		}
		if in.configErr != nil {
			info.Error = in.configErr.Error()
		}
		r.mu.Unlock()

		info.IsRunning = in.Server.IsRunning()
		info.Status = in.Server.Status()
		if info.Status == nil {
			info.Status = map[string]any{}
		}
		out = append(out, info)
	}
	return out
}
