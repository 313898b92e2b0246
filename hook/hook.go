// Package hook provides an in-process extensibility point: typed hook
// chains that fold a value through prioritized handlers.
package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/enclave-dev/enclave/plugin"
)

// Priority orders handlers within a chain. Larger values run earlier.
type Priority uint8

const (
	PriorityLowest  Priority = 0
	PriorityLow     Priority = 10
	PriorityNormal  Priority = 50
	PriorityHigh    Priority = 100
	PriorityHighest Priority = 255
)

// HandleID identifies a registered handler within its chain.
type HandleID uint64

// Handle transforms a value. Returning an error aborts the chain.
type Handle[T any] interface {
	Handle(ctx context.Context, data T, pc *plugin.Context) (T, error)
}

// HandleFunc adapts a function to the Handle interface.
type HandleFunc[T any] func(ctx context.Context, data T, pc *plugin.Context) (T, error)

func (f HandleFunc[T]) Handle(ctx context.Context, data T, pc *plugin.Context) (T, error) {
	return f(ctx, data, pc)
}

type entry[T any] struct {
	priority Priority
	id       HandleID
	name     string
	handle   Handle[T]
}

// Hook is an ordered chain of handlers over values of type T. Handlers run
// highest priority first; equal priorities run in registration order.
type Hook[T any] struct {
	name string

	mu      sync.RWMutex
	nextID  HandleID
	entries []entry[T]
}

// New creates an empty hook chain.
func New[T any](name string) *Hook[T] {
	return &Hook[T]{name: name}
}

// Name returns the chain's name.
func (h *Hook[T]) Name() string {
	return h.name
}

// Register adds a handler at the given priority and returns its id.
func (h *Hook[T]) Register(priority Priority, handle Handle[T], name string) HandleID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	e := entry[T]{priority: priority, id: h.nextID, name: name, handle: handle}

	// Insert keeping entries sorted by descending priority, then ascending
	// id so equal priorities stay FIFO.
	idx := sort.Search(len(h.entries), func(i int) bool {
		if h.entries[i].priority != e.priority {
			return h.entries[i].priority < e.priority
		}
		return h.entries[i].id > e.id
	})
	h.entries = append(h.entries, entry[T]{})
	copy(h.entries[idx+1:], h.entries[idx:])
	h.entries[idx] = e
	return e.id
}

// RegisterFunc adds a function handler at the given priority.
func (h *Hook[T]) RegisterFunc(priority Priority, fn HandleFunc[T], name string) HandleID {
	return h.Register(priority, fn, name)
}

// Unregister removes the handler with the given id.
func (h *Hook[T]) Unregister(id HandleID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.id == id {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered handlers.
func (h *Hook[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Trigger folds data through the chain. Each handler consumes the previous
// handler's output; the first error aborts the chain and is returned with
// the zero value.
func (h *Hook[T]) Trigger(ctx context.Context, data T, pc *plugin.Context) (T, error) {
	h.mu.RLock()
	chain := make([]entry[T], len(h.entries))
	copy(chain, h.entries)
	h.mu.RUnlock()

	current := data
	for _, e := range chain {
		next, err := e.handle.Handle(ctx, current, pc)
		if err != nil {
			var zero T
			return zero, plugin.ErrHook(e.name, h.name, err)
		}
		current = next
	}
	return current, nil
}

// Registry holds named hook chains of arbitrary element types.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]any)}
}

// Add stores a chain under its name. Adding a second chain with the same
// name is a programming error.
func Add[T any](r *Registry, h *Hook[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[h.Name()]; exists {
		return fmt.Errorf("hook %q already registered", h.Name())
	}
	r.hooks[h.Name()] = h
	return nil
}

// In returns the chain registered under name with element type T.
func In[T any](r *Registry, name string) (*Hook[T], error) {
	r.mu.RLock()
	raw, ok := r.hooks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, plugin.ErrHookNotFound(name)
	}
	h, ok := raw.(*Hook[T])
	if !ok {
		return nil, fmt.Errorf("hook %q has a different element type", name)
	}
	return h, nil
}

// Names returns the registered chain names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	return names
}
