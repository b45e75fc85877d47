package graph

import (
	"sort"
	"strings"
	"sync"
)

// Built-in entity types. User registrations extend the set at runtime.
var builtinEntityTypes = []string{
	"PERSON",
	"LOCATION",
	"ORGANIZATION",
	"ITEM",
	"CONCEPT",
	"EVENT",
	"TIME",
}

// EntityTypeRegistry tracks the entity types extraction may assign.
// Unknown types are accepted but flagged, so callers can log them.
type EntityTypeRegistry struct {
	mu    sync.RWMutex
	types map[string]struct{}
}

// NewEntityTypeRegistry returns a registry seeded with the built-ins.
func NewEntityTypeRegistry() *EntityTypeRegistry {
	r := &EntityTypeRegistry{types: make(map[string]struct{})}
	for _, t := range builtinEntityTypes {
		r.types[t] = struct{}{}
	}
	return r
}

// Register adds a user-defined type. Names normalize to upper case.
func (r *EntityTypeRegistry) Register(name string) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[name] = struct{}{}
}

// Known reports whether the type has been registered.
func (r *EntityTypeRegistry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[strings.ToUpper(strings.TrimSpace(name))]
	return ok
}

// List returns the registered types, sorted.
func (r *EntityTypeRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
