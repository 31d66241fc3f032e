package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

func twoNodeGraph() *GraphSpec {
	return &GraphSpec{
		ID:            "g1",
		EntryNode:     "a",
		TerminalNodes: []string{"b"},
		Nodes: []NodeSpec{
			{ID: "a", NodeType: NodeTypeInput},
			{ID: "b", NodeType: NodeTypeOutput},
		},
		Edges: []EdgeSpec{
			{ID: "e1", Source: "a", Target: "b", Condition: CondAlways},
		},
	}
}

func TestGraphSpecValidate(t *testing.T) {
	t.Run("valid graph", func(t *testing.T) {
		if err := twoNodeGraph().Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	tests := []struct {
		name    string
		mutate  func(*GraphSpec)
		wantSub string
	}{
		{"empty id", func(g *GraphSpec) { g.ID = "" }, "id cannot be empty"},
		{"empty entry", func(g *GraphSpec) { g.EntryNode = "" }, "entry node cannot be empty"},
		{"no nodes", func(g *GraphSpec) { g.Nodes = nil }, "no nodes"},
		{"entry not found", func(g *GraphSpec) { g.EntryNode = "zz" }, "not found"},
		{"terminal not found", func(g *GraphSpec) { g.TerminalNodes = []string{"zz"} }, "not found"},
		{"duplicate node", func(g *GraphSpec) {
			g.Nodes = append(g.Nodes, NodeSpec{ID: "a", NodeType: NodeTypeInput})
		}, "duplicate node id"},
		{"unknown node type", func(g *GraphSpec) { g.Nodes[0].NodeType = "teleport" }, "unknown type"},
		{"duplicate edge", func(g *GraphSpec) {
			g.Edges = append(g.Edges, EdgeSpec{ID: "e1", Source: "a", Target: "b", Condition: CondAlways})
		}, "duplicate edge id"},
		{"edge source missing", func(g *GraphSpec) { g.Edges[0].Source = "zz" }, "source"},
		{"edge target missing", func(g *GraphSpec) { g.Edges[0].Target = "zz" }, "target"},
		{"unknown condition", func(g *GraphSpec) { g.Edges[0].Condition = "sometimes" }, "unknown condition"},
		{"conditional without expr", func(g *GraphSpec) { g.Edges[0].Condition = CondConditional }, "no expression"},
		{"router without routes", func(g *GraphSpec) {
			g.Nodes[0].NodeType = NodeTypeRouter
		}, "no routes"},
		{"empty tool entry", func(g *GraphSpec) {
			g.Nodes[0].Tools = []ToolRef{{}}
		}, "empty tool entry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := twoNodeGraph()
			tt.mutate(g)
			err := g.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestToolRefJSON(t *testing.T) {
	t.Run("string form", func(t *testing.T) {
		var n NodeSpec
		data := `{"id":"x","node_type":"llm_tool_use","tools":["search","db_query"]}`
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(n.Tools) != 2 || n.Tools[0].Names[0] != "search" || n.Tools[1].Names[0] != "db_query" {
			t.Errorf("unexpected tools: %+v", n.Tools)
		}
	})

	t.Run("fallback group form", func(t *testing.T) {
		var n NodeSpec
		data := `{"id":"x","node_type":"llm_tool_use","tools":["search",["fast_db","slow_db"]]}`
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(n.Tools) != 2 {
			t.Fatalf("got %d tools, want 2", len(n.Tools))
		}
		if got := n.Tools[1].Names; len(got) != 2 || got[0] != "fast_db" || got[1] != "slow_db" {
			t.Errorf("unexpected fallback group: %v", got)
		}
	})

	t.Run("round trips compactly", func(t *testing.T) {
		refs := []ToolRef{{Names: []string{"solo"}}, {Names: []string{"a", "b"}}}
		data, err := json.Marshal(refs)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(data) != `["solo",["a","b"]]` {
			t.Errorf("marshal = %s", data)
		}
	})

	t.Run("rejects objects", func(t *testing.T) {
		var ref ToolRef
		if err := json.Unmarshal([]byte(`{"name":"x"}`), &ref); err == nil {
			t.Error("unmarshal of object succeeded, want error")
		}
	})
}

func TestResolveTools(t *testing.T) {
	hasCred := func(allowed ...string) func(string) bool {
		set := map[string]bool{}
		for _, a := range allowed {
			set[a] = true
		}
		return func(name string) bool { return set[name] }
	}

	t.Run("exact name resolves", func(t *testing.T) {
		n := &NodeSpec{ID: "n", Tools: []ToolRef{{Names: []string{"search"}}}}
		got, err := ResolveTools(n, hasCred("search"))
		if err != nil {
			t.Fatalf("ResolveTools: %v", err)
		}
		if len(got) != 1 || got[0] != "search" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("fallback to second candidate", func(t *testing.T) {
		n := &NodeSpec{ID: "n", Tools: []ToolRef{{Names: []string{"primary", "backup"}}}}
		got, err := ResolveTools(n, hasCred("backup"))
		if err != nil {
			t.Fatalf("ResolveTools: %v", err)
		}
		if got[0] != "backup" {
			t.Errorf("got %v, want backup", got)
		}
	})

	t.Run("first present candidate wins", func(t *testing.T) {
		n := &NodeSpec{ID: "n", Tools: []ToolRef{{Names: []string{"primary", "backup"}}}}
		got, _ := ResolveTools(n, hasCred("primary", "backup"))
		if got[0] != "primary" {
			t.Errorf("got %v, want primary", got)
		}
	})

	t.Run("exhausted group errors", func(t *testing.T) {
		n := &NodeSpec{ID: "n", Tools: []ToolRef{{Names: []string{"a", "b"}}}}
		_, err := ResolveTools(n, hasCred())
		if err == nil {
			t.Fatal("want error for exhausted group")
		}
		if !strings.Contains(err.Error(), "n") || !strings.Contains(err.Error(), "a") {
			t.Errorf("error %q should name node and candidates", err)
		}
	})
}

func TestParseGraphSpec(t *testing.T) {
	t.Run("valid spec", func(t *testing.T) {
		data := `{
			"id": "order_flow",
			"entry_node": "intake",
			"terminal_nodes": ["done"],
			"nodes": [
				{"id": "intake", "node_type": "input"},
				{"id": "done", "node_type": "output"}
			],
			"edges": [
				{"id": "e1", "source": "intake", "target": "done", "condition": "on_success"}
			]
		}`
		spec, err := ParseGraphSpec([]byte(data))
		if err != nil {
			t.Fatalf("ParseGraphSpec: %v", err)
		}
		if spec.ID != "order_flow" || len(spec.Nodes) != 2 {
			t.Errorf("unexpected spec: %+v", spec)
		}
	})

	t.Run("schema rejects bad node type", func(t *testing.T) {
		data := `{
			"id": "g", "entry_node": "a",
			"nodes": [{"id": "a", "node_type": "warp"}]
		}`
		if _, err := ParseGraphSpec([]byte(data)); err == nil {
			t.Error("want schema validation error")
		}
	})

	t.Run("schema rejects missing required fields", func(t *testing.T) {
		if _, err := ParseGraphSpec([]byte(`{"id": "g"}`)); err == nil {
			t.Error("want error for missing entry_node and nodes")
		}
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		if _, err := ParseGraphSpec([]byte(`{`)); err == nil {
			t.Error("want error for truncated json")
		}
	})

	t.Run("structural check still runs", func(t *testing.T) {
		data := `{
			"id": "g", "entry_node": "missing",
			"nodes": [{"id": "a", "node_type": "input"}]
		}`
		_, err := ParseGraphSpec([]byte(data))
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Errorf("want entry-node error, got %v", err)
		}
	})
}

func TestEffectiveMaxSteps(t *testing.T) {
	g := twoNodeGraph()
	if got := g.EffectiveMaxSteps(); got != DefaultMaxSteps {
		t.Errorf("default EffectiveMaxSteps = %d, want %d", got, DefaultMaxSteps)
	}
	g.MaxSteps = 7
	if got := g.EffectiveMaxSteps(); got != 7 {
		t.Errorf("EffectiveMaxSteps = %d, want 7", got)
	}
}
