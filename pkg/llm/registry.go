package llm

import (
	"context"
	"fmt"
	"sync"
)

// Registry maps API kinds to stream functions. It is dependency-injected
// rather than a package global so tests can register fakes hermetically.
type Registry struct {
	mu    sync.RWMutex
	byAPI map[string]StreamFunc
}

func NewRegistry() *Registry {
	return &Registry{byAPI: make(map[string]StreamFunc)}
}

// Register binds an API kind ("anthropic-messages", "openai-completions",
// ...) to its adapter. Later registrations replace earlier ones.
func (r *Registry) Register(api string, fn StreamFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAPI[api] = fn
}

// Lookup returns the adapter for an API kind.
func (r *Registry) Lookup(api string) (StreamFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.byAPI[api]
	return fn, ok
}

// Stream dispatches a call to the adapter registered for model.API.
func (r *Registry) Stream(ctx context.Context, model Model, llmCtx Context, opts StreamOptions) (*EventStream, error) {
	fn, ok := r.Lookup(model.API)
	if !ok {
		return nil, fmt.Errorf("no stream adapter registered for api %q (model %s)", model.API, model)
	}
	return fn(ctx, model, llmCtx, opts), nil
}
