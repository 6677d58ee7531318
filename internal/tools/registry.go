package tools

import (
	"fmt"
	"sync"

	"elisa/internal/client"
	"elisa/internal/security"
)

// Registry holds the tools available to agents in one workspace.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewDefaultRegistry creates a registry with the full tool set jailed to
// workDir.
func NewDefaultRegistry(workDir string) *Registry {
	validator := security.NewPathValidator(workDir)
	r := NewRegistry()
	r.Register(NewReadTool(validator))
	r.Register(NewWriteTool(validator))
	r.Register(NewEditTool(validator))
	r.Register(NewMultiEditTool(validator))
	r.Register(NewGlobTool(workDir, validator))
	r.Register(NewGrepTool(workDir, validator))
	r.Register(NewLSTool(workDir, validator))
	r.Register(NewBashTool(workDir, 0))
	r.Register(NewNotebookReadTool(validator))
	r.Register(NewNotebookEditTool(validator))
	return r
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t, nil
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schemas returns the declarations for the allowed tools. An empty allowlist
// means every registered tool.
func (r *Registry) Schemas(allowed []string) []client.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.order
	if len(allowed) > 0 {
		permit := make(map[string]bool, len(allowed))
		for _, name := range allowed {
			permit[name] = true
		}
		names = nil
		for _, name := range r.order {
			if permit[name] {
				names = append(names, name)
			}
		}
	}

	out := make([]client.ToolSchema, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name].Declaration())
	}
	return out
}
