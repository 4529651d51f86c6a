package plugins

import (
	"sort"
	"sync"
)

// Registry is the thread-safe set of current plugin descriptors. A reload
// replaces the whole set at once; it never mutates descriptors in place.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]*Descriptor),
	}
}

// Replace swaps in a new descriptor set, e.g. after discovery or a reload.
func (r *Registry) Replace(descs []*Descriptor) {
	next := make(map[string]*Descriptor, len(descs))
	for _, d := range descs {
		next[d.Name] = d
	}

	r.mu.Lock()
	r.descriptors = next
	r.mu.Unlock()
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// All returns the descriptors sorted by name.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Name < all[j].Name
	})
	return all
}

// ServingCount returns the number of plugins in Serving state.
func (r *Registry) ServingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, d := range r.descriptors {
		if d.State() == StateServing {
			n++
		}
	}
	return n
}
