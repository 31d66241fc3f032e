package agent

import (
	"encoding/json"
	"fmt"
)

// NodeType identifies the behavior class of a node. The set is closed;
// Validate rejects anything else.
type NodeType string

// Node types.
const (
	NodeTypeEventLoop  NodeType = "event_loop"
	NodeTypeLLMGen     NodeType = "llm_generate"
	NodeTypeLLMToolUse NodeType = "llm_tool_use"
	NodeTypeRouter     NodeType = "router"
	NodeTypeFunction   NodeType = "function"
	NodeTypeHumanInput NodeType = "human_input"
	NodeTypeInput      NodeType = "input"
	NodeTypeOutput     NodeType = "output"
)

var validNodeTypes = map[NodeType]bool{
	NodeTypeEventLoop:  true,
	NodeTypeLLMGen:     true,
	NodeTypeLLMToolUse: true,
	NodeTypeRouter:     true,
	NodeTypeFunction:   true,
	NodeTypeHumanInput: true,
	NodeTypeInput:      true,
	NodeTypeOutput:     true,
}

// EdgeCondition determines when an edge matches a node result.
type EdgeCondition string

// Edge conditions.
const (
	CondAlways      EdgeCondition = "always"
	CondOnSuccess   EdgeCondition = "on_success"
	CondOnFailure   EdgeCondition = "on_failure"
	CondConditional EdgeCondition = "conditional"
	CondLLMDecide   EdgeCondition = "llm_decide"
)

var validConditions = map[EdgeCondition]bool{
	CondAlways:      true,
	CondOnSuccess:   true,
	CondOnFailure:   true,
	CondConditional: true,
	CondLLMDecide:   true,
}

// ToolRef is one entry of a node's tools list. It accepts two JSON forms:
//
//   - "tool_name": exact; the run refuses to start if the tool's
//     credential is missing.
//   - ["primary", "fallback"]: fallback group; the first tool whose
//     credential is present wins.
type ToolRef struct {
	// Names holds the candidates in declaration order. A single-name ref
	// has exactly one entry.
	Names []string
}

// UnmarshalJSON accepts both the string and the array form.
func (t *ToolRef) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		t.Names = []string{single}
		return nil
	}
	var group []string
	if err := json.Unmarshal(data, &group); err != nil {
		return fmt.Errorf("tool entry must be a string or an array of strings: %w", err)
	}
	t.Names = group
	return nil
}

// MarshalJSON writes the compact form: a bare string for single-name refs.
func (t ToolRef) MarshalJSON() ([]byte, error) {
	if len(t.Names) == 1 {
		return json.Marshal(t.Names[0])
	}
	return json.Marshal(t.Names)
}

// NodeSpec describes one node of an agent graph.
type NodeSpec struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Description  string    `json:"description,omitempty"`
	NodeType     NodeType  `json:"node_type"`
	InputKeys    []string  `json:"input_keys,omitempty"`
	OutputKeys   []string  `json:"output_keys,omitempty"`
	Tools        []ToolRef `json:"tools,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	MaxRetries   int       `json:"max_retries,omitempty"`

	// Routes maps decision labels to node ids for router nodes.
	Routes map[string]string `json:"routes,omitempty"`
}

// EdgeSpec describes one directed edge.
type EdgeSpec struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	Target    string        `json:"target"`
	Condition EdgeCondition `json:"condition"`

	// ConditionExpr holds the boolean expression for conditional edges, or
	// an optional prompt for llm_decide edges.
	ConditionExpr string `json:"condition_expr,omitempty"`

	// Priority breaks ties among matching edges; higher wins. Equal
	// priorities fall back to declaration order.
	Priority int `json:"priority,omitempty"`

	// InputMapping renames execution-scope keys when traversing: the value
	// under each map key becomes visible under the mapped name as well.
	// The original key is retained.
	InputMapping map[string]string `json:"input_mapping,omitempty"`
}

// Goal describes what an agent is trying to achieve. Consumed by the
// Outcome Aggregator only; the executor never evaluates goals.
type Goal struct {
	ID              string   `json:"id"`
	Name            string   `json:"name,omitempty"`
	Description     string   `json:"description,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
}

// GraphSpec is the immutable description of an agent graph. Build it once,
// validate it, then never mutate it after the runtime starts.
type GraphSpec struct {
	ID                      string     `json:"id"`
	GoalID                  string     `json:"goal_id,omitempty"`
	EntryNode               string     `json:"entry_node"`
	TerminalNodes           []string   `json:"terminal_nodes"`
	Nodes                   []NodeSpec `json:"nodes"`
	Edges                   []EdgeSpec `json:"edges"`
	ExecutionTimeoutSeconds *float64   `json:"execution_timeout_seconds,omitempty"`
	MaxSteps                int        `json:"max_steps,omitempty"`
}

// Node returns the node with the given id.
func (g *GraphSpec) Node(id string) (*NodeSpec, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// IsTerminal reports whether id is a terminal node.
func (g *GraphSpec) IsTerminal(id string) bool {
	for _, t := range g.TerminalNodes {
		if t == id {
			return true
		}
	}
	return false
}

// OutgoingEdges returns edges whose source is id, in declaration order.
func (g *GraphSpec) OutgoingEdges(id string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range g.Edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// EffectiveMaxSteps returns MaxSteps or the default cap.
func (g *GraphSpec) EffectiveMaxSteps() int {
	if g.MaxSteps > 0 {
		return g.MaxSteps
	}
	return DefaultMaxSteps
}

// Validate checks structural invariants: the entry node exists, every edge
// endpoint resolves, ids are unique and non-empty, node types and edge
// conditions come from their closed sets.
func (g *GraphSpec) Validate() error {
	if g.ID == "" {
		return NewRuntimeError(ErrCodeInvalidGraph, "graph id cannot be empty")
	}
	if g.EntryNode == "" {
		return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: entry node cannot be empty", g.ID)
	}
	if len(g.Nodes) == 0 {
		return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: no nodes defined", g.ID)
	}

	nodeIDs := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: node with empty id", g.ID)
		}
		if nodeIDs[n.ID] {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: duplicate node id %q", g.ID, n.ID)
		}
		nodeIDs[n.ID] = true
		if !validNodeTypes[n.NodeType] {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: node %s has unknown type %q", g.ID, n.ID, n.NodeType)
		}
		for _, ref := range n.Tools {
			if len(ref.Names) == 0 {
				return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: node %s has an empty tool entry", g.ID, n.ID)
			}
			for _, name := range ref.Names {
				if name == "" {
					return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: node %s has an empty tool name", g.ID, n.ID)
				}
			}
		}
		if n.NodeType == NodeTypeRouter && len(n.Routes) == 0 {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: router node %s has no routes", g.ID, n.ID)
		}
	}

	if !nodeIDs[g.EntryNode] {
		return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: entry node %q not found", g.ID, g.EntryNode)
	}
	for _, t := range g.TerminalNodes {
		if !nodeIDs[t] {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: terminal node %q not found", g.ID, t)
		}
	}

	edgeIDs := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.ID == "" {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: edge with empty id", g.ID)
		}
		if edgeIDs[e.ID] {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: duplicate edge id %q", g.ID, e.ID)
		}
		edgeIDs[e.ID] = true
		if !nodeIDs[e.Source] {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: edge %s source %q not found", g.ID, e.ID, e.Source)
		}
		if !nodeIDs[e.Target] {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: edge %s target %q not found", g.ID, e.ID, e.Target)
		}
		if !validConditions[e.Condition] {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: edge %s has unknown condition %q", g.ID, e.ID, e.Condition)
		}
		if e.Condition == CondConditional && e.ConditionExpr == "" {
			return NewRuntimeError(ErrCodeInvalidGraph, "graph %s: conditional edge %s has no expression", g.ID, e.ID)
		}
	}
	return nil
}

// AllToolNames flattens every tool reference in the graph, both exact names
// and fallback-group members, preserving first-seen order.
func (g *GraphSpec) AllToolNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, n := range g.Nodes {
		for _, ref := range n.Tools {
			for _, name := range ref.Names {
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	}
	return names
}

// ResolveTools maps each tool reference of the node to the first candidate
// whose credential is present. Returns an error naming the node and the
// exhausted group when no candidate resolves; the caller refuses to start
// the run in that case.
func ResolveTools(node *NodeSpec, hasCredential func(string) bool) ([]string, error) {
	resolved := make([]string, 0, len(node.Tools))
	for _, ref := range node.Tools {
		found := ""
		for _, name := range ref.Names {
			if hasCredential(name) {
				found = name
				break
			}
		}
		if found == "" {
			return nil, NewRuntimeError(ErrCodeMissingCredential,
				"node %s: no credential present for any of %v", node.ID, ref.Names)
		}
		resolved = append(resolved, found)
	}
	return resolved, nil
}
