package domainserver

import (
	"fmt"
	"slices"
	"sync"
)

// Factory creates a stopped, unconfigured server.
type Factory func(env Env) (Server, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a server type available by name.
// It is typically called from an init() function in the adapter package.
func Register(typ string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[typ]; exists {
		panic(fmt.Sprintf("domainserver: duplicate registration for %q", typ))
	}
	factories[typ] = factory
}

// New creates a server of the given type.
func New(typ string, env Env) (Server, error) {
	mu.RLock()
	factory, ok := factories[typ]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("domainserver: unknown server type %q", typ)
	}
	return factory(env)
}

// Available returns the registered server types, sorted.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
