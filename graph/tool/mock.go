package tool

import (
	"context"
	"sync"
)

// Mock is a scripted Tool for tests.
type Mock struct {
	// ToolName is returned by Name; defaults to "mock".
	ToolName string

	// Output is returned by every successful call.
	Output map[string]any

	// Err, when set, is returned instead of Output.
	Err error

	mu    sync.Mutex
	calls []map[string]any
}

// Name implements Tool.
func (m *Mock) Name() string {
	if m.ToolName == "" {
		return "mock"
	}
	return m.ToolName
}

// Call implements Tool.
func (m *Mock) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls = append(m.calls, input)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	return m.Output, nil
}

// Calls returns the recorded inputs.
func (m *Mock) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.calls))
	copy(out, m.calls)
	return out
}
