// Package tool provides executable tools for workflow nodes: external
// actions like HTTP calls that a node performs on behalf of a run.
//
// Tool failures are wrapped in failure.ToolError so the engine classifies
// them as TOOL_EXECUTION_FAILED and applies the once-only retry policy.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/duraflow/graph/failure"
)

// Tool is one executable external action.
//
// Implementations must respect context cancellation and should be
// idempotent where possible: the engine may re-run a node whose tool call
// already had an external effect.
type Tool interface {
	// Name uniquely identifies the tool ("http_request", "search_web").
	Name() string

	// Call executes the tool. Input and output are generic JSON-shaped
	// maps so results merge cleanly into workflow state.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Registry is a named collection of tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Call invokes the named tool. Unknown names and tool failures both come
// back as failure.ToolError.
func (r *Registry) Call(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &failure.ToolError{Tool: name, Err: fmt.Errorf("unknown tool")}
	}

	out, err := t.Call(ctx, input)
	if err != nil {
		return nil, &failure.ToolError{Tool: name, Err: err}
	}
	return out, nil
}

// Names lists the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
