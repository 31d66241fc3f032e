package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/agentflow-go/agent/model"
	"github.com/dshills/agentflow-go/agent/runlog"
	"github.com/dshills/agentflow-go/agent/state"
	"github.com/dshills/agentflow-go/agent/tool"
)

// Node executes one unit of work in a graph.
//
// Implementations read inputs and write outputs through the NodeContext and
// return a NodeResult. Returning an error (or panicking) counts as a node
// failure and consumes a retry attempt.
type Node interface {
	Execute(ctx context.Context, nc *NodeContext) (NodeResult, error)
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc func(ctx context.Context, nc *NodeContext) (NodeResult, error)

// Execute calls f.
func (f NodeFunc) Execute(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	return f(ctx, nc)
}

// NodeContext is the view of the runtime handed to a node: key-restricted
// access to the execution's shared memory, tool dispatch with automatic
// step logging, the model handle, and identity of the run.
type NodeContext struct {
	NodeID      string
	NodeSpec    *NodeSpec
	ExecutionID string
	StreamID    string
	RunID       string

	// Input holds the input values visible to this node, pre-resolved from
	// the execution scope per the node's input_keys.
	Input map[string]any

	// Tools is the node's effective tool list after credential-based
	// fallback resolution.
	Tools []string

	// Provider is the LLM handle, nil when the runtime has none.
	Provider model.Provider

	// Events lets event_loop nodes publish their own progress.
	Events EventEmitter

	states     *state.Manager
	dispatcher tool.Dispatcher
	logs       *runlog.Store
	limiter    *RateLimiter
	outputKeys map[string]bool
}

// EventEmitter is the subset of the event bus exposed to nodes.
type EventEmitter interface {
	EmitNodeStarted(streamID, executionID, nodeID string)
	EmitNodeCompleted(streamID, executionID, nodeID string, success bool, errMsg string)
	EmitProblemReported(streamID, executionID, component, problem string)
}

func newNodeContext(spec *NodeSpec, ex *Executor, input map[string]any, tools []string) *NodeContext {
	nc := &NodeContext{
		NodeID:      spec.ID,
		NodeSpec:    spec,
		ExecutionID: ex.executionID,
		StreamID:    ex.streamID,
		RunID:       ex.runID,
		Input:       input,
		Tools:       tools,
		Provider:    ex.provider,
		Events:      ex.events,
		states:      ex.states,
		dispatcher:  ex.dispatcher,
		logs:        ex.logs,
		limiter:     ex.limiter,
	}
	if len(spec.OutputKeys) > 0 {
		nc.outputKeys = make(map[string]bool, len(spec.OutputKeys))
		for _, k := range spec.OutputKeys {
			nc.outputKeys[k] = true
		}
	}
	return nc
}

// ReadState reads a key from the execution scope. Falls back through stream
// and global scope so configuration written at broader scopes is visible.
func (nc *NodeContext) ReadState(ctx context.Context, key string) (any, bool, error) {
	for _, a := range []state.Access{
		{Scope: state.ScopeExecution, ExecutionID: nc.ExecutionID},
		{Scope: state.ScopeStream, StreamID: nc.StreamID},
		{Scope: state.ScopeGlobal},
	} {
		v, ok, err := nc.states.Read(ctx, key, a)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// WriteState writes a key into the execution scope. Writes are restricted
// to the node's declared output_keys; an empty declaration means
// unrestricted.
func (nc *NodeContext) WriteState(ctx context.Context, key string, value any) error {
	if nc.outputKeys != nil && !nc.outputKeys[key] {
		return NewNodeError(ErrCodeNodeFailed, nc.NodeID,
			fmt.Sprintf("write to undeclared output key %q", key), nil)
	}
	return nc.states.Write(ctx, key, value,
		state.Access{Scope: state.ScopeExecution, ExecutionID: nc.ExecutionID})
}

// CallTool dispatches a tool call and records an L3 step log with input and
// output digests. Tools outside the node's effective list are rejected.
func (nc *NodeContext) CallTool(ctx context.Context, name string, input map[string]any) (tool.Result, error) {
	allowed := len(nc.Tools) == 0
	for _, t := range nc.Tools {
		if t == name {
			allowed = true
			break
		}
	}
	if !allowed {
		return tool.Errorf("tool %q not declared by node %s", name, nc.NodeID), nil
	}

	start := time.Now()
	res, err := nc.dispatcher.Dispatch(ctx, name, input)

	step := runlog.NodeStepLog{
		StepID:     uuid.NewString(),
		NodeID:     nc.NodeID,
		Name:       name,
		StartedAt:  start.UTC(),
		DurationMS: runlog.NowMS(start),
		Success:    err == nil && !res.IsError,
	}
	if in, merr := json.Marshal(input); merr == nil {
		step.InputDigest = runlog.Digest(in)
	}
	if err != nil {
		step.Error = err.Error()
	} else {
		if res.IsError {
			step.Error = res.Content
		}
		step.OutputDigest = runlog.Digest([]byte(res.Content))
	}
	if nc.logs != nil {
		if lerr := nc.logs.AppendStep(nc.RunID, step); lerr != nil {
			nc.Events.EmitProblemReported(nc.StreamID, nc.ExecutionID, "runlog", lerr.Error())
		}
	}
	return res, err
}

// RecordStep appends a custom L3 record, for node-internal calls that do
// not go through CallTool (direct model calls, subprocess invocations).
func (nc *NodeContext) RecordStep(step runlog.NodeStepLog) {
	if nc.logs == nil {
		return
	}
	if step.StepID == "" {
		step.StepID = uuid.NewString()
	}
	if step.NodeID == "" {
		step.NodeID = nc.NodeID
	}
	if err := nc.logs.AppendStep(nc.RunID, step); err != nil {
		nc.Events.EmitProblemReported(nc.StreamID, nc.ExecutionID, "runlog", err.Error())
	}
}

// CompleteModel runs a plain completion through the rate-limited call
// helper and records an L3 step.
func (nc *NodeContext) CompleteModel(ctx context.Context, req model.Request) (*model.Completion, error) {
	return nc.loggedModelCall(ctx, "llm_generate", func(ctx context.Context) (*model.Completion, error) {
		return nc.Provider.Complete(ctx, req)
	})
}

// CompleteModelWithTools runs a tool-loop completion through the
// rate-limited call helper and records an L3 step.
func (nc *NodeContext) CompleteModelWithTools(ctx context.Context, req model.Request, tools []model.ToolSpec, exec model.ToolExecutor) (*model.Completion, error) {
	return nc.loggedModelCall(ctx, "llm_tool_use", func(ctx context.Context) (*model.Completion, error) {
		return nc.Provider.CompleteWithTools(ctx, req, tools, exec)
	})
}

func (nc *NodeContext) loggedModelCall(ctx context.Context, name string, fn func(context.Context) (*model.Completion, error)) (*model.Completion, error) {
	start := time.Now()
	var comp *model.Completion
	var err error
	if nc.limiter != nil {
		comp, err = WithRetry(ctx, nc.limiter, name, fn, CallOptions[*model.Completion]{
			IsEmptyResponse: func(c *model.Completion) bool { return c == nil || c.Content == "" },
		})
	} else {
		comp, err = fn(ctx)
	}

	step := runlog.NodeStepLog{
		StepID:     uuid.NewString(),
		NodeID:     nc.NodeID,
		Name:       name,
		StartedAt:  start.UTC(),
		DurationMS: runlog.NowMS(start),
		Success:    err == nil,
	}
	if err != nil {
		step.Error = err.Error()
	} else if comp != nil {
		step.OutputDigest = runlog.Digest([]byte(comp.Content))
	}
	nc.RecordStep(step)
	return comp, err
}

// passthroughNode is the built-in behavior for input and output node types:
// it copies the visible inputs to the node's outputs unchanged.
func passthroughNode(_ context.Context, nc *NodeContext) (NodeResult, error) {
	out := make(map[string]any, len(nc.Input))
	for k, v := range nc.Input {
		out[k] = v
	}
	return NodeResult{Success: true, Output: out}, nil
}
