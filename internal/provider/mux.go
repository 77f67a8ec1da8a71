package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownAdapter = errors.New("unknown provider")

// Lookup resolves the adapter responsible for a task id. It returns nil when
// no adapter claims the id.
type Lookup interface {
	ForTask(ctx context.Context, taskID string) Adapter
}

// Mux holds the configured adapters by name and remembers which adapter
// owns which task. Unbound ids are probed against every adapter in
// registration order; the first one that resolves a transcript wins.
type Mux struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	bindings map[string]string
}

func NewMux(adapters ...Adapter) *Mux {
	m := &Mux{
		adapters: make(map[string]Adapter),
		bindings: make(map[string]string),
	}
	for _, a := range adapters {
		m.Register(a)
	}
	return m
}

func (m *Mux) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := a.Name()
	if _, exists := m.adapters[name]; !exists {
		m.order = append(m.order, name)
	}
	m.adapters[name] = a
}

func (m *Mux) Get(name string) (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	return a, nil
}

// Names returns the registered adapter names in registration order.
func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Mux) Bind(taskID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[taskID] = name
}

// Rebind moves the binding of oldID to newID.
func (m *Mux) Rebind(oldID, newID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, ok := m.bindings[oldID]; ok {
		delete(m.bindings, oldID)
		m.bindings[newID] = name
	}
}

func (m *Mux) Unbind(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, taskID)
}

func (m *Mux) ForTask(ctx context.Context, taskID string) Adapter {
	m.mu.RLock()
	if name, ok := m.bindings[taskID]; ok {
		a := m.adapters[name]
		m.mu.RUnlock()
		return a
	}
	candidates := make([]Adapter, 0, len(m.order))
	for _, name := range m.order {
		candidates = append(candidates, m.adapters[name])
	}
	m.mu.RUnlock()

	for _, a := range candidates {
		path, err := a.TranscriptPath(ctx, taskID)
		if err != nil || path == "" {
			continue
		}
		m.Bind(taskID, a.Name())
		return a
	}
	return nil
}

type single struct{ a Adapter }

func (s single) ForTask(context.Context, string) Adapter { return s.a }

// Single is a Lookup that answers every id with the same adapter.
func Single(a Adapter) Lookup {
	return single{a: a}
}
