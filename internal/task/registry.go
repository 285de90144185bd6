package task

import (
	"context"
	"errors"
	"sync"
)

var ErrFuncNotFound = errors.New("no function registered under that name")

// Handler executes one task. The returned value is serialized into the
// child's result frame; an error marks the task as failed.
type Handler func(ctx context.Context, t *Task) (any, error)

// Registry maps function names to handlers. The child runner resolves a
// task's Func field against it before execution.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a function name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Resolve looks up the handler for a function name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, ErrFuncNotFound
	}
	return h, nil
}

// Names returns all registered function names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
