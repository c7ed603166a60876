package tools

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/halyard-dev/halyard/pkg/llm"
)

// Registry holds the tools available to an agent. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool and panics on a duplicate name. Registration happens
// at startup, where a name collision is a programming error.
func (r *Registry) Register(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		panic(fmt.Sprintf("tools: tool %q already registered", name))
	}
	r.tools[name] = t
}

// RegisterOrReplace adds a tool, replacing any existing registration.
func (r *Registry) RegisterOrReplace(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	r.tools[name] = t
	r.mu.Unlock()
}

// Get returns the tool registered under name, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Remove drops the tool registered under name, if any.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// All returns every registered tool in unspecified order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Collect(maps.Values(r.tools))
}

// Names returns the registered tool names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

// sortedNames requires at least a read lock.
func (r *Registry) sortedNames() []string {
	return slices.Sorted(maps.Keys(r.tools))
}

// LLMDefinitions returns the model-facing definitions sorted by name, so the
// tool list presented to a model is byte-stable and prompt caching holds.
func (r *Registry) LLMDefinitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, name := range r.sortedNames() {
		defs = append(defs, r.tools[name].Definition().LLM())
	}
	return defs
}
