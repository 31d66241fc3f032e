package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/agentflow-go/agent/tool"
)

func newTestStream(t *testing.T, g *GraphSpec, nodes map[string]Node, mut func(*StreamConfig)) *Stream {
	t.Helper()
	env := newExecEnv(t)
	cfg := StreamConfig{
		ID:      "s1",
		AgentID: "agent1",
		Graph:   g,
		Nodes:   nodes,
		States:  env.states,
		Events:  env.events,
		Logs:    env.logs,
		Retry:   fastPolicy(),
	}
	if mut != nil {
		mut(&cfg)
	}
	s := NewStream(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestStreamExecute(t *testing.T) {
	t.Run("runs to completion", func(t *testing.T) {
		s := newTestStream(t, linearGraph(), map[string]Node{
			"work": okNode(map[string]any{"result": "done"}),
		}, nil)

		id, err := s.Execute(context.Background(), map[string]any{"k": "v"}, "corr-1", nil)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if id == "" {
			t.Fatal("empty execution id")
		}

		res, err := s.WaitForCompletion(id, 5*time.Second)
		if err != nil {
			t.Fatalf("WaitForCompletion: %v", err)
		}
		if res.Status != StatusCompleted {
			t.Errorf("status = %s, err %q", res.Status, res.Error)
		}
		if got, ok := s.GetResult(id); !ok || got.ExecutionID != id {
			t.Errorf("GetResult = %+v, %v", got, ok)
		}
	})

	t.Run("unique execution ids", func(t *testing.T) {
		s := newTestStream(t, linearGraph(), map[string]Node{"work": okNode(nil)}, nil)
		seen := map[string]bool{}
		for i := 0; i < 10; i++ {
			id, err := s.Execute(context.Background(), nil, "", nil)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if seen[id] {
				t.Fatalf("duplicate execution id %s", id)
			}
			seen[id] = true
		}
	})

	t.Run("preflight failure surfaces before any node", func(t *testing.T) {
		g := linearGraph()
		g.Nodes[1].Tools = []ToolRef{{Names: []string{"vault_read"}}}

		ran := false
		s := newTestStream(t, g, map[string]Node{
			"work": NodeFunc(func(context.Context, *NodeContext) (NodeResult, error) {
				ran = true
				return NodeResult{Success: true}, nil
			}),
		}, func(cfg *StreamConfig) {
			cfg.Creds = tool.CredentialFunc(func(string) bool { return false })
		})

		_, err := s.Execute(context.Background(), nil, "", nil)
		if err == nil {
			t.Fatal("Execute succeeded, want preflight error")
		}
		if !strings.Contains(err.Error(), "vault_read") {
			t.Errorf("error = %v, should name the tool", err)
		}
		if ran {
			t.Error("node ran despite preflight failure")
		}
	})

	t.Run("rejects when not started", func(t *testing.T) {
		env := newExecEnv(t)
		s := NewStream(StreamConfig{
			ID: "s1", Graph: linearGraph(),
			States: env.states, Events: env.events, Logs: env.logs,
		})
		if _, err := s.Execute(context.Background(), nil, "", nil); !errors.Is(err, ErrNotStarted) {
			t.Errorf("err = %v, want ErrNotStarted", err)
		}
	})
}

func TestStreamConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	started := 0
	blocker := NodeFunc(func(ctx context.Context, _ *NodeContext) (NodeResult, error) {
		mu.Lock()
		started++
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		return NodeResult{Success: true}, nil
	})

	s := newTestStream(t, linearGraph(), map[string]Node{"work": blocker},
		func(cfg *StreamConfig) { cfg.MaxConcurrent = 2 })
	defer close(release)

	ids := make([]string, 2)
	for i := range ids {
		id, err := s.Execute(context.Background(), nil, "", nil)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		ids[i] = id
	}

	// Both slots are taken; a third trigger must block until its context
	// gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Execute(ctx, nil, "", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("third Execute err = %v, want deadline exceeded", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s.ActiveExecutions() == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("active = %d, want 2", s.ActiveExecutions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamCancelExecution(t *testing.T) {
	entered := make(chan struct{})
	blocker := NodeFunc(func(ctx context.Context, _ *NodeContext) (NodeResult, error) {
		close(entered)
		<-ctx.Done()
		return NodeResult{Success: false, Error: "interrupted"}, nil
	})

	s := newTestStream(t, linearGraph(), map[string]Node{"work": blocker}, nil)

	id, err := s.Execute(context.Background(), nil, "", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-entered

	if !s.CancelExecution(id) {
		t.Fatal("CancelExecution returned false for a running execution")
	}
	res, err := s.WaitForCompletion(id, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", res.Status)
	}
	if s.CancelExecution(id) {
		t.Error("cancelling a finished execution should return false")
	}
	if s.CancelExecution("no-such-id") {
		t.Error("cancelling an unknown id should return false")
	}
}

func TestStreamWaitForCompletion(t *testing.T) {
	t.Run("unknown id", func(t *testing.T) {
		s := newTestStream(t, linearGraph(), map[string]Node{"work": okNode(nil)}, nil)
		if _, err := s.WaitForCompletion("nope", time.Second); !errors.Is(err, ErrExecutionNotFound) {
			t.Errorf("err = %v, want ErrExecutionNotFound", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		blocker := NodeFunc(func(ctx context.Context, _ *NodeContext) (NodeResult, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return NodeResult{Success: true}, nil
		})
		s := newTestStream(t, linearGraph(), map[string]Node{"work": blocker}, nil)
		defer close(release)

		id, err := s.Execute(context.Background(), nil, "", nil)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if _, err := s.WaitForCompletion(id, 30*time.Millisecond); err == nil {
			t.Error("WaitForCompletion should time out while the node blocks")
		}
	})
}

func TestStreamStopCancelsInFlight(t *testing.T) {
	entered := make(chan struct{})
	blocker := NodeFunc(func(ctx context.Context, _ *NodeContext) (NodeResult, error) {
		close(entered)
		<-ctx.Done()
		return NodeResult{}, nil
	})

	env := newExecEnv(t)
	s := NewStream(StreamConfig{
		ID: "s1", AgentID: "agent1", Graph: linearGraph(),
		Nodes:  map[string]Node{"work": blocker},
		States: env.states, Events: env.events, Logs: env.logs,
		Retry: fastPolicy(),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id, err := s.Execute(context.Background(), nil, "", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-entered

	s.Stop()

	res, ok := s.GetResult(id)
	if !ok {
		t.Fatal("result missing after Stop")
	}
	if res.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", res.Status)
	}
	if s.Running() {
		t.Error("stream still running after Stop")
	}
}

func TestStreamAggregatorNotified(t *testing.T) {
	agg := NewAggregator(&Goal{ID: "g", SuccessCriteria: []string{"resolved"}})
	s := newTestStream(t, linearGraph(), map[string]Node{"work": okNode(nil)},
		func(cfg *StreamConfig) { cfg.Aggregator = agg })

	id, err := s.Execute(context.Background(), nil, "", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := s.WaitForCompletion(id, 5*time.Second); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}

	p := agg.EvaluateGoalProgress()
	if p.Total != 1 || p.Successes != 1 {
		t.Errorf("progress = %+v, want one recorded success", p)
	}
}
