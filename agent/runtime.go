package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dshills/agentflow-go/agent/event"
	"github.com/dshills/agentflow-go/agent/runlog"
	"github.com/dshills/agentflow-go/agent/state"
	"github.com/dshills/agentflow-go/log"
)

// EntryPointSpec registers one triggerable graph with the runtime. Each
// entry point gets its own execution stream and outcome aggregator.
type EntryPointSpec struct {
	// ID names the entry point; triggers reference it.
	ID string

	// Graph is the validated graph to execute.
	Graph *GraphSpec

	// Goal is the advisory goal tracked by the aggregator. Optional.
	Goal *Goal

	// Nodes maps node ids to custom implementations. Nodes without an
	// entry fall back to the built-in behavior for their node_type.
	Nodes map[string]Node
}

// Runtime is the top-level agent host: it owns the shared storage, state
// manager, event bus and run-log store, and runs one execution stream per
// registered entry point.
type Runtime struct {
	cfg Config

	storage *state.Storage
	states  *state.Manager
	events  *event.Bus
	logs    *runlog.Store
	metrics *Metrics
	limiter *RateLimiter
	logger  log.Logger

	mu          sync.Mutex
	running     bool
	entryPoints map[string]EntryPointSpec
	streams     map[string]*Stream
	aggregators map[string]*Aggregator

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// NewRuntime builds a Runtime from the given options.
func NewRuntime(opts ...Option) (*Runtime, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	backend := cfg.Backend
	if backend == nil {
		fb, err := state.NewFileBackend(filepath.Join(cfg.StorageDir, "state"))
		if err != nil {
			return nil, fmt.Errorf("failed to create state backend: %w", err)
		}
		backend = fb
	}
	storage := state.NewStorage(backend, state.StorageConfig{
		BatchInterval: cfg.BatchInterval,
		CacheTTL:      cfg.CacheTTL,
		Logger:        cfg.Logger,
	})
	states := state.NewManager(storage, state.ManagerConfig{
		ExecutionTTL: cfg.ExecutionStateTTL,
		Logger:       cfg.Logger,
	})
	logs, err := runlog.NewStore(filepath.Join(cfg.StorageDir, "logs"), cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create run-log store: %w", err)
	}

	var metrics *Metrics
	if cfg.EnableMetrics {
		metrics = NewMetrics(cfg.Registry)
	}

	return &Runtime{
		cfg:         cfg,
		storage:     storage,
		states:      states,
		events:      event.NewBus(cfg.MaxHistory, cfg.Logger),
		logs:        logs,
		metrics:     metrics,
		limiter:     NewRateLimiter(cfg.Retry, cfg.RateLimitRetries),
		logger:      cfg.Logger,
		entryPoints: make(map[string]EntryPointSpec),
		streams:     make(map[string]*Stream),
		aggregators: make(map[string]*Aggregator),
	}, nil
}

// Register adds an entry point. Registration is only allowed while the
// runtime is stopped; the graph is validated here.
func (r *Runtime) Register(ep EntryPointSpec) error {
	if ep.ID == "" {
		return NewRuntimeError(ErrCodeInvalidEntryPoint, "entry point id is required")
	}
	if ep.Graph == nil {
		return NewRuntimeError(ErrCodeInvalidGraph, "entry point %s has no graph", ep.ID)
	}
	if err := ep.Graph.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyStarted
	}
	if _, exists := r.entryPoints[ep.ID]; exists {
		return NewRuntimeError(ErrCodeInvalidEntryPoint, "entry point %s already registered", ep.ID)
	}
	r.entryPoints[ep.ID] = ep
	return nil
}

// Unregister removes an entry point. Only allowed while stopped.
func (r *Runtime) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyStarted
	}
	if _, ok := r.entryPoints[id]; !ok {
		return ErrEntryPointNotFound
	}
	delete(r.entryPoints, id)
	delete(r.aggregators, id)
	return nil
}

// Start brings the runtime up: storage writer, one stream per entry
// point, and the background state cleanup task.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyStarted
	}
	if err := r.storage.Start(); err != nil {
		return fmt.Errorf("failed to start storage: %w", err)
	}

	for id, ep := range r.entryPoints {
		agg := r.aggregators[id]
		if agg == nil {
			agg = NewAggregator(ep.Goal)
			r.aggregators[id] = agg
		}
		s := NewStream(StreamConfig{
			ID:              id,
			AgentID:         id,
			Graph:           ep.Graph,
			Goal:            ep.Goal,
			Nodes:           ep.Nodes,
			States:          r.states,
			Events:          r.events,
			Provider:        r.cfg.Provider,
			Dispatcher:      r.cfg.Dispatcher,
			Creds:           r.cfg.Creds,
			Logs:            r.logs,
			Aggregator:      agg,
			Limiter:         r.limiter,
			Retry:           r.cfg.Retry,
			IsEmptyResponse: r.cfg.IsEmptyResponse,
			RouteDecider:    r.cfg.RouteDecider,
			MaxConcurrent:   r.cfg.MaxConcurrentExecutions,
			Logger:          r.logger,
			Metrics:         r.metrics,
		})
		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start stream %s: %w", id, err)
		}
		r.streams[id] = s
	}

	r.cleanupStop = make(chan struct{})
	r.cleanupDone = make(chan struct{})
	go r.cleanupLoop(r.cleanupStop, r.cleanupDone)

	r.running = true
	r.logger.Info("runtime started with %d entry points", len(r.streams))
	return nil
}

// Stop winds the runtime down: streams first, then the cleanup task, then
// storage (which flushes pending writes). Stop is idempotent.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.streams = make(map[string]*Stream)
	stop, done := r.cleanupStop, r.cleanupDone
	r.mu.Unlock()

	for _, s := range streams {
		s.Stop()
	}
	close(stop)
	<-done

	r.events.Close()
	if err := r.storage.Stop(); err != nil {
		return fmt.Errorf("failed to stop storage: %w", err)
	}
	r.logger.Info("runtime stopped")
	return nil
}

// cleanupLoop purges expired execution state on a fixed interval. A
// panicking purge is logged and the loop keeps going.
func (r *Runtime) cleanupLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCleanup()
		case <-stop:
			return
		}
	}
}

func (r *Runtime) runCleanup() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("state cleanup panicked: %v", rec)
		}
	}()
	if n := r.states.PurgeExpired(); n > 0 {
		r.logger.Debug("purged %d expired execution partitions", n)
	}
}

// stream returns the live stream for an entry point.
func (r *Runtime) stream(entryID string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil, ErrNotStarted
	}
	s, ok := r.streams[entryID]
	if !ok {
		return nil, ErrEntryPointNotFound
	}
	return s, nil
}

// Trigger launches an execution of the named entry point and returns its
// execution id. Tool preflight failures surface here, before any node
// runs.
func (r *Runtime) Trigger(ctx context.Context, entryID string, input map[string]any, correlationID string) (string, error) {
	s, err := r.stream(entryID)
	if err != nil {
		return "", err
	}
	return s.Execute(ctx, input, correlationID, nil)
}

// Resume continues a timed-out execution from its saved session state on
// the named entry point.
func (r *Runtime) Resume(ctx context.Context, entryID string, input map[string]any, correlationID string, session *SessionState) (string, error) {
	if session == nil {
		return "", NewRuntimeError(ErrCodeInvalidEntryPoint, "resume requires a session state")
	}
	s, err := r.stream(entryID)
	if err != nil {
		return "", err
	}
	return s.Execute(ctx, input, correlationID, session)
}

// TriggerAndWait launches an execution and blocks until it finishes or
// the timeout elapses. A zero timeout waits indefinitely.
func (r *Runtime) TriggerAndWait(ctx context.Context, entryID string, input map[string]any, correlationID string, timeout time.Duration) (*ExecutionResult, error) {
	s, err := r.stream(entryID)
	if err != nil {
		return nil, err
	}
	id, err := s.Execute(ctx, input, correlationID, nil)
	if err != nil {
		return nil, err
	}
	return s.WaitForCompletion(id, timeout)
}

// WaitForCompletion blocks until the execution on the named entry point
// finishes.
func (r *Runtime) WaitForCompletion(entryID, executionID string, timeout time.Duration) (*ExecutionResult, error) {
	s, err := r.stream(entryID)
	if err != nil {
		return nil, err
	}
	return s.WaitForCompletion(executionID, timeout)
}

// CancelExecution cancels a running execution on the named entry point.
func (r *Runtime) CancelExecution(entryID, executionID string) bool {
	s, err := r.stream(entryID)
	if err != nil {
		return false
	}
	return s.CancelExecution(executionID)
}

// GetResult returns the result of a finished execution.
func (r *Runtime) GetResult(entryID, executionID string) (*ExecutionResult, bool) {
	s, err := r.stream(entryID)
	if err != nil {
		return nil, false
	}
	return s.GetResult(executionID)
}

// GetGoalProgress returns the aggregated goal progress for an entry
// point.
func (r *Runtime) GetGoalProgress(entryID string) (GoalProgress, error) {
	r.mu.Lock()
	agg, ok := r.aggregators[entryID]
	r.mu.Unlock()
	if !ok {
		return GoalProgress{}, ErrEntryPointNotFound
	}
	return agg.EvaluateGoalProgress(), nil
}

// SubscribeToEvents registers an event handler. An empty type list
// receives everything.
func (r *Runtime) SubscribeToEvents(types []event.Type, handler event.Handler, opts ...event.SubscribeOption) int {
	return r.events.Subscribe(types, handler, opts...)
}

// UnsubscribeFromEvents removes a subscription.
func (r *Runtime) UnsubscribeFromEvents(id int) bool {
	return r.events.Unsubscribe(id)
}

// Events exposes the event bus (history, drop counters).
func (r *Runtime) Events() *event.Bus { return r.events }

// Logs exposes the run-log store for querying past runs.
func (r *Runtime) Logs() *runlog.Store { return r.logs }

// RuntimeStats is a point-in-time operational snapshot.
type RuntimeStats struct {
	Running          int                        `json:"running_executions"`
	EntryPoints      int                        `json:"entry_points"`
	State            state.Stats                `json:"state"`
	StorageErrors    uint64                     `json:"storage_write_errors"`
	DroppedEvents    uint64                     `json:"dropped_events"`
	RateLimitedCalls map[string]CallStats       `json:"rate_limited_calls,omitempty"`
	Aggregates       map[string]AggregatorStats `json:"aggregates,omitempty"`
}

// GetStats collects counters from every subsystem.
func (r *Runtime) GetStats() RuntimeStats {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	aggs := make(map[string]*Aggregator, len(r.aggregators))
	for id, a := range r.aggregators {
		aggs[id] = a
	}
	entryCount := len(r.entryPoints)
	r.mu.Unlock()

	st := RuntimeStats{
		EntryPoints:   entryCount,
		State:         r.states.GetStats(),
		StorageErrors: r.storage.WriteErrors(),
		DroppedEvents: r.events.DroppedEvents(),
	}
	for _, s := range streams {
		st.Running += s.ActiveExecutions()
	}
	if len(aggs) > 0 {
		st.Aggregates = make(map[string]AggregatorStats, len(aggs))
		for id, a := range aggs {
			st.Aggregates[id] = a.GetStats()
		}
	}
	return st
}

// HealthStatus reports component-level liveness.
type HealthStatus struct {
	Running bool            `json:"running"`
	Storage bool            `json:"storage"`
	Streams map[string]bool `json:"streams"`
}

// Healthy is true when the runtime is up, storage responds and every
// stream accepts triggers.
func (h HealthStatus) Healthy() bool {
	if !h.Running || !h.Storage {
		return false
	}
	for _, ok := range h.Streams {
		if !ok {
			return false
		}
	}
	return true
}

// HealthCheck probes the runtime's components.
func (r *Runtime) HealthCheck(ctx context.Context) HealthStatus {
	r.mu.Lock()
	running := r.running
	streams := make(map[string]*Stream, len(r.streams))
	for id, s := range r.streams {
		streams[id] = s
	}
	r.mu.Unlock()

	h := HealthStatus{
		Running: running,
		Storage: r.storage.Healthy(ctx),
		Streams: make(map[string]bool, len(streams)),
	}
	for id, s := range streams {
		h.Streams[id] = s.Running()
	}
	return h
}
