package intent

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/Strob0t/hostagent/internal/domain"
)

// Factory builds the behavior of a new intent. It may read the intent's
// configuration and register stages; an error rejects the intent.
type Factory func(in *Intent) (Behavior, error)

// Registry maps intent type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register makes a factory available under typ. Registering a type twice
// panics.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		panic(fmt.Sprintf("intent: duplicate registration for %q", typ))
	}
	r.factories[typ] = f
}

// RegisterOnce registers f unless typ is already known and reports whether
// it did.
func (r *Registry) RegisterOnce(typ string, f Factory) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return false
	}
	r.factories[typ] = f
	return true
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// New creates an inactive intent from s. Unknown types fail with
// domain.ErrValidation. An empty id is generated.
func (r *Registry) New(s Saved) (*Intent, error) {
	r.mu.RLock()
	f, ok := r.factories[s.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown intent type %q", domain.ErrValidation, s.Type)
	}

	in := &Intent{
		ID:            s.ID,
		Type:          s.Type,
		Name:          s.Name,
		DisplayName:   s.DisplayName,
		Group:         s.Group,
		Configuration: maps.Clone(s.Configuration),
		stages:        make(map[string]StageFunc),
		state:         maps.Clone(s.State),
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Name == "" {
		in.Name = in.Type
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Name
	}
	if in.Configuration == nil {
		in.Configuration = map[string]any{}
	}
	if in.state == nil {
		in.state = map[string]any{}
	}

	b, err := f(in)
	if err != nil {
		return nil, fmt.Errorf("%w: intent %s: %v", domain.ErrValidation, s.Type, err)
	}
	in.behavior = b
	return in, nil
}
