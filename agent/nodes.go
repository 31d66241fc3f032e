package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/agentflow-go/agent/model"
	"github.com/dshills/agentflow-go/agent/runlog"
	"github.com/dshills/agentflow-go/agent/tool"
)

// Built-in behaviors for node types without a registered implementation.
// Custom Node implementations registered under a node id always win.

// promptFromInput derives the user prompt for model-backed nodes: an
// explicit "prompt" input wins, otherwise the whole input map serializes
// as JSON.
func promptFromInput(input map[string]any) string {
	if p, ok := input["prompt"].(string); ok && p != "" {
		return p
	}
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(data)
}

// outputKeyFor picks where a model node's content lands: the single
// declared output key, or "content".
func outputKeyFor(spec *NodeSpec) string {
	if len(spec.OutputKeys) == 1 {
		return spec.OutputKeys[0]
	}
	return "content"
}

// llmGenerateNode runs a plain completion against the configured provider.
func llmGenerateNode(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	if nc.Provider == nil {
		return NodeResult{Success: false, Error: "no model provider configured"}, nil
	}

	req := model.Request{
		System:   nc.NodeSpec.SystemPrompt,
		Messages: []model.Message{{Role: model.RoleUser, Content: promptFromInput(nc.Input)}},
	}

	start := time.Now()
	comp, err := nc.CompleteModel(ctx, req)
	if err != nil {
		return NodeResult{
			Success:   false,
			Error:     err.Error(),
			LatencyMS: runlog.NowMS(start),
		}, nil
	}
	return NodeResult{
		Success:      true,
		Output:       map[string]any{outputKeyFor(nc.NodeSpec): comp.Content},
		TokensUsed:   comp.InputTokens + comp.OutputTokens,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		LatencyMS:    runlog.NowMS(start),
	}, nil
}

// llmToolUseNode runs a completion with the node's effective tools exposed
// to the model. Tool calls route through CallTool so each lands in the L3
// log.
func llmToolUseNode(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	if nc.Provider == nil {
		return NodeResult{Success: false, Error: "no model provider configured"}, nil
	}

	specs := nc.toolSpecs()
	exec := func(ctx context.Context, name string, input map[string]any) (string, bool) {
		res, err := nc.CallTool(ctx, name, input)
		if err != nil {
			return err.Error(), true
		}
		return res.Content, res.IsError
	}

	req := model.Request{
		System:   nc.NodeSpec.SystemPrompt,
		Messages: []model.Message{{Role: model.RoleUser, Content: promptFromInput(nc.Input)}},
	}

	start := time.Now()
	comp, err := nc.CompleteModelWithTools(ctx, req, specs, exec)
	if err != nil {
		return NodeResult{
			Success:   false,
			Error:     err.Error(),
			LatencyMS: runlog.NowMS(start),
		}, nil
	}
	return NodeResult{
		Success:      true,
		Output:       map[string]any{outputKeyFor(nc.NodeSpec): comp.Content},
		TokensUsed:   comp.InputTokens + comp.OutputTokens,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		LatencyMS:    runlog.NowMS(start),
	}, nil
}

// routerNode maps the "decision" input through the node's routes table.
// The chosen target lands under "route_target"; conditional edges key off
// it.
func routerNode(_ context.Context, nc *NodeContext) (NodeResult, error) {
	decision, _ := nc.Input["decision"].(string)
	if decision == "" {
		// Fall back to the node's first declared input key.
		for _, k := range nc.NodeSpec.InputKeys {
			if s, ok := nc.Input[k].(string); ok && s != "" {
				decision = s
				break
			}
		}
	}
	if decision == "" {
		return NodeResult{Success: false, Error: "router has no decision input"}, nil
	}
	target, ok := nc.NodeSpec.Routes[decision]
	if !ok {
		return NodeResult{
			Success: false,
			Error:   fmt.Sprintf("no route for decision %q", decision),
		}, nil
	}
	return NodeResult{
		Success: true,
		Output: map[string]any{
			"route":        decision,
			"route_target": target,
		},
	}, nil
}

// toolSpecs builds model-facing tool specs for the node's effective tools.
// Descriptions come from the registry when the dispatcher exposes one.
func (nc *NodeContext) toolSpecs() []model.ToolSpec {
	type lookup interface {
		Get(name string) (tool.Tool, bool)
	}
	reg, _ := nc.dispatcher.(lookup)

	specs := make([]model.ToolSpec, 0, len(nc.Tools))
	for _, name := range nc.Tools {
		spec := model.ToolSpec{Name: name}
		if reg != nil {
			if t, ok := reg.Get(name); ok {
				spec.Description = t.Description()
			}
		}
		specs = append(specs, spec)
	}
	return specs
}
