package tool

import (
	"context"
	"sync"
)

// Mock is a scriptable Tool for tests.
type Mock struct {
	ToolName string
	Desc     string

	// Handler produces the result. When nil, calls succeed with an empty
	// Result{OK: true}.
	Handler func(ctx context.Context, input map[string]any) (Result, error)

	mu    sync.Mutex
	calls []map[string]any
}

// Name implements Tool.
func (m *Mock) Name() string { return m.ToolName }

// Description implements Tool.
func (m *Mock) Description() string { return m.Desc }

// Call records the input and delegates to Handler.
func (m *Mock) Call(ctx context.Context, input map[string]any) (Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, input)
	m.mu.Unlock()
	if m.Handler == nil {
		return Result{OK: true}, nil
	}
	return m.Handler(ctx, input)
}

// Calls returns the inputs of all recorded calls.
func (m *Mock) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.calls))
	copy(out, m.calls)
	return out
}
