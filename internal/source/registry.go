package source

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the workers of one recording session, at most one per
// source id.
type Registry struct {
	log     *slog.Logger
	mu      sync.RWMutex
	workers map[string]*Worker
	order   []string
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "source-registry"),
		workers: make(map[string]*Worker),
	}
}

// Add registers w. It returns false if a worker for the same source
// already exists.
func (r *Registry) Add(w *Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[w.ID()]; ok {
		r.log.Warn("worker already exists, rejecting duplicate", "source", w.ID())
		return false
	}
	r.workers[w.ID()] = w
	r.order = append(r.order, w.ID())
	return true
}

// Remove drops the worker for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; !ok {
		return
	}
	delete(r.workers, id)
	for i, k := range r.order {
		if k == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the worker for id.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// List returns all workers in the order they were added.
func (r *Registry) List() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

// IDs returns the registered source ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Len returns the number of workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
