package queue

import (
	"strings"
	"sync"
)

// Factory builds a queue from a DSN.
type Factory func(dsn string, opts ...Option) (Queue, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes Open route scheme to f. Registered factories take
// precedence over the built-in backends.
func RegisterFactory(scheme string, f Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || f == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = f
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	f, ok := factoryRegistry.factories[scheme]
	return f, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
