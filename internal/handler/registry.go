package handler

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages the available handlers, keyed by unique name.
// Handlers are expected to be registered once at startup; lookups are safe
// for concurrent use by the orchestrator and the scheduler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler. Names must be unique and non-empty.
func (r *Registry) Register(h Handler) error {
	if h == nil || h.Name() == "" {
		return fmt.Errorf("register handler: name is required")
	}
	if err := validate(h); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		return &DuplicateError{Name: h.Name()}
	}
	r.handlers[h.Name()] = h
	return nil
}

// MustRegister is Register for startup wiring, panicking on error
func (r *Registry) MustRegister(handlers ...Handler) {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Get returns the handler registered under name
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return h, nil
}

// Names returns the sorted names of all handlers with the given role
func (r *Registry) Names(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name, h := range r.handlers {
		if h.Role() == role {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Inputs returns every registered input handler, sorted by name
func (r *Registry) Inputs() []*Input {
	var inputs []*Input
	for _, name := range r.Names(RoleInput) {
		h, err := r.Get(name)
		if err != nil {
			continue
		}
		inputs = append(inputs, h.(*Input))
	}
	return inputs
}

func validate(h Handler) error {
	switch v := h.(type) {
	case *Input:
		if v.Subscribe == nil {
			return fmt.Errorf("register handler %s: input requires Subscribe", v.HandlerName)
		}
	case *Output:
		if v.Execute == nil {
			return fmt.Errorf("register handler %s: output requires Execute", v.HandlerName)
		}
	case *Action:
		if v.Execute == nil {
			return fmt.Errorf("register handler %s: action requires Execute", v.HandlerName)
		}
	}
	return nil
}

// NotFoundError is returned when no handler is registered under a name
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return "no handler registered with name: " + e.Name
}

// DuplicateError is returned when a handler name is registered twice
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return "handler already registered: " + e.Name
}
