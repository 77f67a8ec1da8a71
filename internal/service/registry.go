package service

import (
	"fmt"
	"slices"
	"sync"
)

// Registry indexes tasks by id. A task renamed to a provider-issued id stays
// reachable under its previous id.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	aliases map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:   make(map[string]*Task),
		aliases: make(map[string]string),
	}
}

func (r *Registry) canonicalLocked(id string) string {
	for i := 0; i < 8; i++ {
		next, ok := r.aliases[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

// AddWithin registers t unless limit tasks are already active. A limit of
// zero or less means no limit.
func (r *Registry) AddWithin(t *Task, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.ID()
	if _, exists := r.tasks[id]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	if limit > 0 && r.activeLocked() >= limit {
		return fmt.Errorf("%w: limit is %d active tasks", ErrCapacity, limit)
	}
	r.tasks[id] = t
	return nil
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, t := range r.tasks {
		if !t.Status().IsTerminal() {
			n++
		}
	}
	return n
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[r.canonicalLocked(id)]
	return t, ok
}

// Resolve returns the id a task is currently stored under.
func (r *Registry) Resolve(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalLocked(id)
}

func (r *Registry) Rename(oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.canonicalLocked(oldID)
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, oldID)
	}
	if id == newID {
		return nil
	}
	if _, taken := r.tasks[newID]; taken {
		return fmt.Errorf("%w: %s", ErrTaskExists, newID)
	}

	delete(r.tasks, id)
	r.tasks[newID] = t
	delete(r.aliases, newID)
	r.aliases[id] = newID

	t.mu.Lock()
	t.id = newID
	t.mu.Unlock()
	return nil
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id = r.canonicalLocked(id)
	delete(r.tasks, id)
	for alias, target := range r.aliases {
		if target == id {
			delete(r.aliases, alias)
		}
	}
}

// List returns the tasks oldest first.
func (r *Registry) List() []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Task) int {
		return a.Snapshot().CreatedAt.Compare(b.Snapshot().CreatedAt)
	})
	return out
}
