package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dshills/agentflow-go/agent/event"
	"github.com/dshills/agentflow-go/agent/model"
	"github.com/dshills/agentflow-go/agent/runlog"
	"github.com/dshills/agentflow-go/agent/state"
	"github.com/dshills/agentflow-go/agent/tool"
	"github.com/dshills/agentflow-go/log"
)

// Stream runs executions of one graph with bounded concurrency. Each
// trigger gets its own Executor on its own goroutine; a counting
// semaphore caps how many run at once.
type Stream struct {
	id      string
	agentID string

	graph *GraphSpec
	goal  *Goal
	nodes map[string]Node

	states     *state.Manager
	events     *event.Bus
	provider   model.Provider
	dispatcher tool.Dispatcher
	creds      tool.CredentialChecker
	logs       *runlog.Store
	aggregator *Aggregator
	limiter    *RateLimiter

	retry   RetryPolicy
	isEmpty EmptyResponsePredicate
	decider RouteDecider

	logger  log.Logger
	metrics *Metrics

	sem     chan struct{}
	mu      sync.Mutex
	running bool
	stopped chan struct{}
	wg      sync.WaitGroup

	executions map[string]*execution
}

// execution tracks one in-flight or finished run.
type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *ExecutionResult
}

// StreamConfig wires a Stream.
type StreamConfig struct {
	ID      string
	AgentID string

	Graph *GraphSpec
	Goal  *Goal
	Nodes map[string]Node

	States     *state.Manager
	Events     *event.Bus
	Provider   model.Provider
	Dispatcher tool.Dispatcher
	Creds      tool.CredentialChecker
	Logs       *runlog.Store
	Aggregator *Aggregator
	Limiter    *RateLimiter

	Retry           RetryPolicy
	IsEmptyResponse EmptyResponsePredicate
	RouteDecider    RouteDecider

	MaxConcurrent int

	Logger  log.Logger
	Metrics *Metrics
}

// NewStream builds a Stream. Call Start before triggering executions.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentExecutions
	}
	if cfg.Logger == nil {
		cfg.Logger = &log.NoOpLogger{}
	}
	return &Stream{
		id:         cfg.ID,
		agentID:    cfg.AgentID,
		graph:      cfg.Graph,
		goal:       cfg.Goal,
		nodes:      cfg.Nodes,
		states:     cfg.States,
		events:     cfg.Events,
		provider:   cfg.Provider,
		dispatcher: cfg.Dispatcher,
		creds:      cfg.Creds,
		logs:       cfg.Logs,
		aggregator: cfg.Aggregator,
		limiter:    cfg.Limiter,
		retry:      cfg.Retry.normalized(),
		isEmpty:    cfg.IsEmptyResponse,
		decider:    cfg.RouteDecider,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		executions: make(map[string]*execution),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// Start marks the stream ready to accept triggers.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true
	s.stopped = make(chan struct{})
	return nil
}

// Stop refuses new triggers, cancels in-flight executions and waits for
// them to wind down. Safe to call on a stream that never started.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopped)
	for _, e := range s.executions {
		if e.cancel != nil {
			e.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Running reports whether the stream accepts triggers.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Execute launches one execution of the graph and returns its id.
//
// Tool preflight runs synchronously: a node whose tool fallback group has
// no usable candidate fails here, before any node executes and before a
// goroutine is spawned. The call blocks while the stream is at its
// concurrency limit.
func (s *Stream) Execute(ctx context.Context, input map[string]any, correlationID string, session *SessionState) (string, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return "", ErrNotStarted
	}
	stopped := s.stopped
	s.mu.Unlock()

	executionID := ulid.Make().String()

	ex := NewExecutor(ExecutorConfig{
		Graph:           s.graph,
		Goal:            s.goal,
		ExecutionID:     executionID,
		StreamID:        s.id,
		AgentID:         s.agentID,
		CorrelationID:   correlationID,
		States:          s.states,
		Events:          s.events,
		Provider:        s.provider,
		Dispatcher:      s.dispatcher,
		Creds:           s.creds,
		Logs:            s.logs,
		Nodes:           s.nodes,
		Retry:           s.retry,
		IsEmptyResponse: s.isEmpty,
		RouteDecider:    s.decider,
		Limiter:         s.limiter,
		Logger:          s.logger,
		Metrics:         s.metrics,
	})
	if err := ex.Preflight(); err != nil {
		return "", fmt.Errorf("preflight failed: %w", err)
	}

	select {
	case s.sem <- struct{}{}:
	case <-stopped:
		return "", ErrNotStarted
	case <-ctx.Done():
		return "", ctx.Err()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &execution{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.executions[executionID] = e
	active := s.activeLocked()
	s.mu.Unlock()
	s.metrics.SetActiveExecutions(s.id, active)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() { <-s.sem }()

		res := ex.Run(runCtx, input, session)

		// Fold into the aggregator before waiters wake up so progress
		// queries after WaitForCompletion see this run.
		if s.aggregator != nil {
			s.aggregator.RecordExecution(res)
		}

		s.mu.Lock()
		e.result = res
		close(e.done)
		active := s.activeLocked()
		s.mu.Unlock()
		s.metrics.SetActiveExecutions(s.id, active)
	}()

	return executionID, nil
}

// WaitForCompletion blocks until the execution finishes or the timeout
// elapses. A zero timeout waits indefinitely.
func (s *Stream) WaitForCompletion(executionID string, timeout time.Duration) (*ExecutionResult, error) {
	s.mu.Lock()
	e, ok := s.executions[executionID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrExecutionNotFound
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-e.done:
		s.mu.Lock()
		res := e.result
		s.mu.Unlock()
		return res, nil
	case <-expired:
		return nil, fmt.Errorf("timed out waiting for execution %s", executionID)
	}
}

// CancelExecution cancels a running execution. Returns false when the id
// is unknown or the execution already finished.
func (s *Stream) CancelExecution(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok || e.result != nil {
		return false
	}
	e.cancel()
	return true
}

// GetResult returns the result of a finished execution.
func (s *Stream) GetResult(executionID string) (*ExecutionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok || e.result == nil {
		return nil, false
	}
	return e.result, true
}

// ActiveExecutions counts currently running executions.
func (s *Stream) ActiveExecutions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Stream) activeLocked() int {
	n := 0
	for _, e := range s.executions {
		if e.result == nil {
			n++
		}
	}
	return n
}
