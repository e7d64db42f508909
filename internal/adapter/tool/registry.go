// Package tool implements the tool registry and the built-in tools the
// orchestrator dispatches to.
package tool

import (
	"fmt"
	"sync"

	"promptdesk/internal/domain"
)

// Registry is the closed set of tools available to the model. It is
// populated at startup and read-only afterwards; Schemas preserves
// registration order so prompts are stable.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]domain.Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]domain.Tool)}
}

// Register adds a tool. Registering a duplicate name is a wiring bug
// and returns an error.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// MustRegister panics on registration failure. Startup wiring only.
func (r *Registry) MustRegister(t domain.Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("tool.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Schema())
	}
	return out
}
