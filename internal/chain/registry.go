package chain

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the adapters configured for this process. It is built once
// at startup and passed explicitly to every component that needs chain access.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ID]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[ID]Adapter)}
}

// Register adds an adapter. Registering the same chain twice is an error.
func (r *Registry) Register(a Adapter) error {
	id := a.Params().Chain
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("chain: adapter for %s already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Get returns the adapter for id.
func (r *Registry) Get(id ID) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, id)
	}
	return a, nil
}

// Chains lists registered chain IDs in sorted order.
func (r *Registry) Chains() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes every adapter.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
