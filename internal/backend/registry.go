package backend

import (
	"fmt"
	"slices"
	"sync"
)

// Registry manages kernel instances.
type Registry struct {
	kernels map[string]Kernel
	mu      sync.RWMutex
}

// NewRegistry creates a new kernel registry.
func NewRegistry() *Registry {
	return &Registry{
		kernels: make(map[string]Kernel),
	}
}

// Register adds a kernel to the registry.
func (r *Registry) Register(k Kernel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := k.Name()
	if _, exists := r.kernels[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.kernels[name] = k

	return nil
}

// Get retrieves a kernel by name.
func (r *Registry) Get(name string) (Kernel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kernels[name]
	return k, ok
}

// MustGet retrieves a kernel by name or returns ErrNotFound.
func (r *Registry) MustGet(name string) (Kernel, error) {
	k, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return k, nil
}

// Names returns the registered kernel names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.kernels))
	for name := range r.kernels {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}
