package model

import (
	"context"
	"sync"
)

// Mock is a scriptable Provider for tests.
//
// Responses are consumed in order; when the queue empties the last response
// repeats. Script errors (including ErrRateLimited) interleave via Errs.
type Mock struct {
	mu        sync.Mutex
	responses []Completion
	errs      []error
	calls     []Request
	toolCalls []ToolSpec
}

// NewMock creates a Mock that returns the given completions in order.
func NewMock(responses ...Completion) *Mock {
	return &Mock{responses: responses}
}

// QueueError enqueues an error returned before the next queued completion.
func (m *Mock) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Calls returns every request seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) next(req Request) (*Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	if len(m.responses) == 0 {
		return &Completion{Content: "", Model: "mock"}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return &resp, nil
}

// Complete implements Provider.
func (m *Mock) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.next(req)
}

// CompleteWithTools implements Provider. The mock records the tool specs
// but never invokes the executor; script tool behavior in the node itself.
func (m *Mock) CompleteWithTools(ctx context.Context, req Request, tools []ToolSpec, _ ToolExecutor) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.toolCalls = append(m.toolCalls, tools...)
	m.mu.Unlock()
	return m.next(req)
}
