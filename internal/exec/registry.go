package exec

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wardenlabs/warden/internal/intent"
)

// Handler executes one allowlisted action and returns its result payload.
type Handler func(ctx context.Context, in *intent.ExecutionIntent) (map[string]any, error)

// Registry is the fixed allowlist of executable actions. It is constructed
// once at process start and passed into the adapter; actions are never
// resolved dynamically from unvalidated input.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds an action handler. Registering an empty name or a duplicate
// is a programming error and fails.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("action name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register that panics on error. For process-start wiring.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for an action, if allowlisted.
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Actions returns the allowlisted action names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
