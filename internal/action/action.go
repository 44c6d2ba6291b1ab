// Package action provides the service task executors the engine invokes when
// execution reaches a serviceTask node. Executors are synchronous
// collaborators: they receive the node's configured parameters plus the
// instance variables and return output variables to merge back.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Executor is a named service task action.
type Executor interface {
	// Name is the value a serviceTask node's action property refers to.
	Name() string

	// Execute runs the action. params is the node's configured parameter map
	// after template expansion; vars is a read-only view of the instance
	// variables. The returned map is merged into the instance variables.
	Execute(ctx context.Context, params map[string]any, vars map[string]any) (map[string]any, error)
}

// Registry holds the available executors by name. Safe for concurrent use
// after registration is complete.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Registering a duplicate name panics; the set of
// actions is fixed at startup and a collision is a programming error.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[e.Name()]; exists {
		panic(fmt.Sprintf("action: executor %q registered twice", e.Name()))
	}
	r.executors[e.Name()] = e
}

// Get returns the executor registered under name, or false.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[name]
	return e, ok
}

// Names returns all registered executor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
