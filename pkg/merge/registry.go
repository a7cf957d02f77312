package merge

import (
	"sort"
	"sync"
)

// Factory creates an engine bound to deps.
type Factory func(deps Deps) Engine

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func init() {
	Register(RulesEngineName, NewRulesEngine)
}

// Register adds an engine factory to the global registry.
// Panics if a factory is already registered for the given name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic("merge: duplicate engine registration for " + name)
	}
	registry[name] = factory
}

// Lookup returns the factory for an engine name, if registered.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Engines returns the registered engine names, sorted.
func Engines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
