package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/peptilab/peptiflow/internal/pipeline/scheduler"
)

// Registry maps function names used in workflow definitions to executable
// task functions. Every function a workflow references must be registered
// before the workflow is created or resumed.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]scheduler.TaskFunc
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]scheduler.TaskFunc)}
}

// Register binds a name. Re-registering a name is an error; a registry is
// assembled once at startup.
func (r *Registry) Register(name string, fn scheduler.TaskFunc) error {
	if name == "" {
		return fmt.Errorf("register: empty function name")
	}
	if fn == nil {
		return fmt.Errorf("register %q: nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.fns[name]; dup {
		return fmt.Errorf("register %q: already registered", name)
	}
	r.fns[name] = fn
	return nil
}

// MustRegister panics on registration failure. For startup wiring only.
func (r *Registry) MustRegister(name string, fn scheduler.TaskFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(name string) (scheduler.TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for n := range r.fns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
