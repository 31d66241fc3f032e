package agent

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/dshills/agentflow-go/agent/event"
	"github.com/dshills/agentflow-go/agent/model"
	"github.com/dshills/agentflow-go/agent/runlog"
	"github.com/dshills/agentflow-go/agent/state"
	"github.com/dshills/agentflow-go/agent/tool"
	"github.com/dshills/agentflow-go/log"
)

// RouteDecider resolves llm_decide edges. It receives the routing prompt
// (the edge's condition_expr, possibly empty), the latest node result, and
// the candidate target node ids; it returns the chosen target id. An
// unrecognized return value matches no edge.
type RouteDecider func(ctx context.Context, prompt string, result NodeResult, candidates []string) (string, error)

// EmptyResponsePredicate classifies a successful node result as "empty",
// triggering a retry with backoff. Nil disables empty-response retries.
type EmptyResponsePredicate func(NodeResult) bool

// Executor drives one execution of a graph end to end: node selection,
// retry with backoff, log persistence, edge evaluation, event emission.
//
// An Executor is single use. The Execution Stream constructs one per
// trigger and runs it on its own goroutine.
type Executor struct {
	graph *GraphSpec
	goal  *Goal

	executionID   string
	streamID      string
	agentID       string
	runID         string
	correlationID string

	states     *state.Manager
	events     *event.Bus
	provider   model.Provider
	dispatcher tool.Dispatcher
	creds      tool.CredentialChecker
	logs       *runlog.Store

	nodes   map[string]Node
	retry   RetryPolicy
	isEmpty EmptyResponsePredicate
	decider RouteDecider
	limiter *RateLimiter

	logger  log.Logger
	metrics *Metrics
	rng     *rand.Rand

	// resolvedTools caches Preflight's credential resolution per node.
	resolvedTools map[string][]string
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Graph *GraphSpec
	Goal  *Goal

	ExecutionID   string
	StreamID      string
	AgentID       string
	CorrelationID string

	States     *state.Manager
	Events     *event.Bus
	Provider   model.Provider
	Dispatcher tool.Dispatcher
	Creds      tool.CredentialChecker
	Logs       *runlog.Store

	// Nodes maps node ids to custom implementations. Nodes without an
	// entry fall back to the built-in behavior for their node_type.
	Nodes map[string]Node

	Retry           RetryPolicy
	IsEmptyResponse EmptyResponsePredicate
	RouteDecider    RouteDecider

	// Limiter backs the rate-limited model calls made by built-in llm
	// nodes. Optional.
	Limiter *RateLimiter

	Logger  log.Logger
	Metrics *Metrics
}

// NewExecutor builds an Executor. The graph must already be validated.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = &log.NoOpLogger{}
	}
	if cfg.Creds == nil {
		cfg.Creds = tool.AllCredentials
	}
	return &Executor{
		graph:         cfg.Graph,
		goal:          cfg.Goal,
		executionID:   cfg.ExecutionID,
		streamID:      cfg.StreamID,
		agentID:       cfg.AgentID,
		correlationID: cfg.CorrelationID,
		states:        cfg.States,
		events:        cfg.Events,
		provider:      cfg.Provider,
		dispatcher:    cfg.Dispatcher,
		creds:         cfg.Creds,
		logs:          cfg.Logs,
		nodes:         cfg.Nodes,
		retry:         cfg.Retry.normalized(),
		isEmpty:       cfg.IsEmptyResponse,
		decider:       cfg.RouteDecider,
		limiter:       cfg.Limiter,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Preflight resolves every node's tool list against the credential checker.
// A node whose fallback group has no usable candidate fails the whole run
// before any node executes.
func (ex *Executor) Preflight() error {
	resolved := make(map[string][]string, len(ex.graph.Nodes))
	for i := range ex.graph.Nodes {
		n := &ex.graph.Nodes[i]
		tools, err := ResolveTools(n, ex.creds.HasCredential)
		if err != nil {
			return err
		}
		resolved[n.ID] = tools
	}
	ex.resolvedTools = resolved
	return nil
}

// Run executes the graph. A non-nil session resumes a timed-out run from
// its saved snapshot. The returned ExecutionResult is always non-nil;
// node-level failures never surface as raw errors.
func (ex *Executor) Run(ctx context.Context, inputData map[string]any, session *SessionState) *ExecutionResult {
	startWall := time.Now()
	ex.runID = runlog.NewRunID(startWall)

	if ex.resolvedTools == nil {
		if err := ex.Preflight(); err != nil {
			return ex.failBeforeStart(err)
		}
	}

	if err := ex.logs.EnsureRunDir(ex.runID); err != nil {
		ex.logger.Error("failed to create run dir %s: %v", ex.runID, err)
	}
	ex.events.EmitRunStarted(ex.streamID, ex.executionID, ex.runID, ex.agentID)
	if ex.metrics != nil {
		ex.metrics.ExecutionStarted(ex.agentID)
	}

	// Seed the execution partition with input data, or the resumed memory.
	current := ex.graph.EntryNode
	if session != nil {
		if err := ex.states.Restore(ctx, ex.executionID, session.Memory); err != nil {
			return ex.failBeforeStart(NewRuntimeError(ErrCodeStorage,
				"failed to restore session state: %v", err))
		}
		if session.NextNode != "" {
			current = session.NextNode
		}
		ex.events.EmitExecutionResumed(ex.streamID, ex.executionID)
	}
	for k, v := range inputData {
		if err := ex.states.Write(ctx, k, v,
			state.Access{Scope: state.ScopeExecution, ExecutionID: ex.executionID}); err != nil {
			return ex.failBeforeStart(NewRuntimeError(ErrCodeStorage,
				"failed to seed input data: %v", err))
		}
	}

	var (
		path          []string
		steps         int
		totalRetries  int
		failures      []string
		totalIn       int
		totalOut      int
		lastResult    NodeResult
		maxSteps      = ex.graph.EffectiveMaxSteps()
		timeoutErr    string
		cancelled     bool
		maxedOut      bool
		lastWasOK     = true
		anyNodeFailed bool
	)

	for {
		if steps >= maxSteps {
			maxedOut = true
			break
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if t := ex.graph.ExecutionTimeoutSeconds; t != nil && steps > 0 {
			if time.Since(startWall).Seconds() > *t {
				timeoutErr = fmt.Sprintf("execution timed out after %g seconds", *t)
				break
			}
		}

		node, ok := ex.graph.Node(current)
		if !ok {
			// Unreachable on a validated graph.
			lastResult = NodeResult{Success: false,
				Error: fmt.Sprintf("unknown node %q", current), ExecutionQuality: QualityFailed}
			lastWasOK = false
			anyNodeFailed = true
			failures = append(failures, current)
			break
		}

		path = append(path, current)
		steps++

		nc, err := ex.buildContext(ctx, node)
		if err != nil {
			lastResult = NodeResult{Success: false, Error: err.Error(), ExecutionQuality: QualityFailed}
			lastWasOK = false
			anyNodeFailed = true
			failures = append(failures, node.ID)
			ex.persistDetail(node.ID, time.Now(), lastResult)
			break
		}

		// event_loop nodes narrate themselves; the executor stays quiet
		// for that one node.
		suppress := node.NodeType == NodeTypeEventLoop
		if !suppress {
			ex.events.EmitNodeStarted(ex.streamID, ex.executionID, node.ID)
		}

		nodeStart := time.Now()
		result := ex.runWithRetry(ctx, node, nc)
		result.LatencyMS = runlog.NowMS(nodeStart)
		lastResult = result

		ex.persistDetail(node.ID, nodeStart, result)
		if !suppress {
			ex.events.EmitNodeCompleted(ex.streamID, ex.executionID, node.ID, result.Success, result.Error)
		}
		if ex.metrics != nil {
			ex.metrics.NodeExecuted(ex.agentID, node.ID, result.Success, time.Since(nodeStart))
		}

		totalRetries += result.RetriesUsed
		totalIn += result.InputTokens
		totalOut += result.OutputTokens
		if result.InputTokens == 0 && result.OutputTokens == 0 {
			totalOut += result.TokensUsed
		}
		lastWasOK = result.Success
		if !result.Success {
			anyNodeFailed = true
			failures = append(failures, node.ID)
		}

		// Persist outputs into the execution scope for downstream nodes.
		ex.writeOutputs(ctx, node, result)

		if ex.graph.IsTerminal(current) {
			break
		}
		next := ex.pickNext(ctx, current, result)
		if next == "" {
			break
		}
		ex.events.EmitEdgeTraversed(ex.streamID, ex.executionID, current, next)
		current = next
	}

	res := &ExecutionResult{
		ExecutionID:       ex.executionID,
		RunID:             ex.runID,
		Path:              path,
		StepsExecuted:     steps,
		TotalRetries:      totalRetries,
		NodesWithFailures: failures,
		TotalInputTokens:  totalIn,
		TotalOutputTokens: totalOut,
	}

	switch {
	case cancelled:
		res.Status = StatusCancelled
		res.Error = ErrExecutionCancelled.Error()
		res.ExecutionQuality = QualityFailed
	case timeoutErr != "":
		res.Status = StatusTimedOut
		res.Error = timeoutErr
		res.ExecutionQuality = QualityFailed
		if snap, err := ex.states.Snapshot(context.Background(), ex.executionID); err == nil {
			res.SessionState = &SessionState{
				Memory:        snap,
				ExecutionPath: path,
				NextNode:      current,
			}
		} else {
			ex.logger.Error("failed to snapshot execution %s: %v", ex.executionID, err)
		}
		ex.events.EmitExecutionPaused(ex.streamID, ex.executionID, timeoutErr)
	case maxedOut:
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("%v (%d steps)", ErrMaxStepsExceeded, maxSteps)
		res.ExecutionQuality = QualityFailed
	default:
		res.Success = lastWasOK
		if res.Success {
			res.Status = StatusCompleted
		} else {
			res.Status = StatusFailed
			res.Error = lastResult.Error
		}
		switch {
		case !res.Success:
			res.ExecutionQuality = QualityFailed
		case anyNodeFailed:
			res.ExecutionQuality = QualityDegraded
		case totalRetries > 0:
			res.ExecutionQuality = QualityRecovered
		default:
			res.ExecutionQuality = QualityClean
		}
		res.Output = ex.mergeTerminalOutputs(lastResult)
	}

	ex.writeSummary(startWall, res)
	ex.events.EmitRunCompleted(ex.streamID, ex.executionID, ex.runID, string(res.Status))
	if ex.metrics != nil {
		ex.metrics.ExecutionCompleted(ex.agentID, string(res.Status), time.Since(startWall))
	}
	return res
}

// failBeforeStart reports a configuration failure without running any node.
func (ex *Executor) failBeforeStart(err error) *ExecutionResult {
	ex.events.EmitProblemReported(ex.streamID, ex.executionID, "executor", err.Error())
	return &ExecutionResult{
		ExecutionID:      ex.executionID,
		RunID:            ex.runID,
		Status:           StatusFailed,
		Error:            err.Error(),
		ExecutionQuality: QualityFailed,
	}
}

// buildContext resolves the node's visible inputs. With declared
// input_keys, only those keys are resolved (execution scope first, then
// stream and global). An empty declaration exposes the whole execution
// partition.
func (ex *Executor) buildContext(ctx context.Context, node *NodeSpec) (*NodeContext, error) {
	input := make(map[string]any)
	if len(node.InputKeys) == 0 {
		snap, err := ex.states.Snapshot(ctx, ex.executionID)
		if err != nil {
			return nil, NewNodeError(ErrCodeStorage, node.ID, "failed to load execution state", err)
		}
		input = snap
	}

	nc := newNodeContext(node, ex, input, ex.resolvedTools[node.ID])
	for _, key := range node.InputKeys {
		v, ok, err := nc.ReadState(ctx, key)
		if err != nil {
			return nil, NewNodeError(ErrCodeStorage, node.ID, "failed to read input key "+key, err)
		}
		if ok {
			input[key] = v
		}
	}
	return nc, nil
}

// runWithRetry executes the node up to max_retries+1 times. Panics convert
// to failures; successful but empty responses also consume attempts.
func (ex *Executor) runWithRetry(ctx context.Context, node *NodeSpec, nc *NodeContext) NodeResult {
	attempts := node.MaxRetries + 1
	retries := 0
	var result NodeResult

	for k := 0; k < attempts; k++ {
		if ctx.Err() != nil {
			result = NodeResult{Success: false, Error: ErrExecutionCancelled.Error()}
			break
		}

		result = ex.invoke(ctx, node, nc)

		if result.Success {
			if ex.isEmpty != nil && ex.isEmpty(result) && k < attempts-1 {
				retries++
				ex.events.EmitNodeRetry(ex.streamID, ex.executionID, node.ID, retries, "empty response")
				ex.sleep(ctx, ex.retry.Delay(retries, ex.rng))
				continue
			}
			break
		}

		if k < attempts-1 {
			retries++
			ex.events.EmitNodeRetry(ex.streamID, ex.executionID, node.ID, retries, result.Error)
			if ex.metrics != nil {
				ex.metrics.NodeRetried(ex.agentID, node.ID)
			}
			ex.sleep(ctx, ex.retry.Delay(retries, ex.rng))
		}
	}

	result.RetriesUsed = retries
	switch {
	case result.Success && retries > 0:
		result.ExecutionQuality = QualityRecovered
	case result.Success:
		result.ExecutionQuality = QualityClean
	default:
		result.ExecutionQuality = QualityFailed
	}
	return result
}

// invoke runs a single attempt, converting panics and returned errors into
// failed results.
func (ex *Executor) invoke(ctx context.Context, node *NodeSpec, nc *NodeContext) (result NodeResult) {
	defer func() {
		if r := recover(); r != nil {
			result = NodeResult{
				Success: false,
				Error:   fmt.Sprintf("System exception: %v", r),
			}
		}
	}()

	impl := ex.implementationFor(node)
	res, err := impl.Execute(ctx, nc)
	if err != nil {
		return NodeResult{Success: false, Error: fmt.Sprintf("System exception: %v", err)}
	}
	return res
}

// implementationFor returns the registered Node for the id, falling back to
// the built-in behavior for the node type.
func (ex *Executor) implementationFor(node *NodeSpec) Node {
	if impl, ok := ex.nodes[node.ID]; ok {
		return impl
	}
	switch node.NodeType {
	case NodeTypeInput, NodeTypeOutput:
		return NodeFunc(passthroughNode)
	case NodeTypeLLMGen:
		return NodeFunc(llmGenerateNode)
	case NodeTypeLLMToolUse:
		return NodeFunc(llmToolUseNode)
	case NodeTypeRouter:
		return NodeFunc(routerNode)
	default:
		return NodeFunc(func(context.Context, *NodeContext) (NodeResult, error) {
			return NodeResult{
				Success: false,
				Error:   fmt.Sprintf("no implementation registered for node %s (%s)", node.ID, node.NodeType),
			}, nil
		})
	}
}

// writeOutputs persists the node's outputs into the execution scope,
// honoring the declared output_keys restriction.
func (ex *Executor) writeOutputs(ctx context.Context, node *NodeSpec, result NodeResult) {
	if len(result.Output) == 0 {
		return
	}
	declared := map[string]bool{}
	for _, k := range node.OutputKeys {
		declared[k] = true
	}
	for k, v := range result.Output {
		if len(declared) > 0 && !declared[k] {
			ex.events.EmitProblemReported(ex.streamID, ex.executionID, "executor",
				fmt.Sprintf("node %s produced undeclared output key %q", node.ID, k))
			continue
		}
		if err := ex.states.Write(ctx, k, v,
			state.Access{Scope: state.ScopeExecution, ExecutionID: ex.executionID}); err != nil {
			ex.logger.Error("failed to persist output %s/%s: %v", node.ID, k, err)
		}
	}
}

// pickNext evaluates outgoing edges and returns the next node id, or empty
// when no edge matches.
func (ex *Executor) pickNext(ctx context.Context, current string, result NodeResult) string {
	edges := ex.graph.OutgoingEdges(current)
	if len(edges) == 0 {
		return ""
	}

	// llm_decide edges share one decision per selection round.
	decided := false
	decision := ""

	type match struct {
		edge EdgeSpec
		idx  int
	}
	var matches []match

	for i, e := range edges {
		ok := false
		switch e.Condition {
		case CondAlways:
			ok = true
		case CondOnSuccess:
			ok = result.Success
		case CondOnFailure:
			ok = !result.Success
		case CondConditional:
			ok = ex.evalConditional(ctx, e, result)
		case CondLLMDecide:
			if !decided {
				decision = ex.decideRoute(ctx, e, result, edges)
				decided = true
			}
			ok = decision == e.Target
		}
		if ok {
			matches = append(matches, match{edge: e, idx: i})
		}
	}
	if len(matches) == 0 {
		return ""
	}

	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].edge.Priority != matches[b].edge.Priority {
			return matches[a].edge.Priority > matches[b].edge.Priority
		}
		return matches[a].idx < matches[b].idx
	})

	chosen := matches[0].edge
	ex.applyInputMapping(ctx, chosen)
	return chosen.Target
}

// evalConditional evaluates a conditional edge expression against the node
// result plus the execution scope. Parse and evaluation errors fail closed.
func (ex *Executor) evalConditional(ctx context.Context, e EdgeSpec, result NodeResult) bool {
	cond, err := ParseCondition(e.ConditionExpr)
	if err != nil {
		ex.events.EmitProblemReported(ex.streamID, ex.executionID, "executor",
			fmt.Sprintf("edge %s: invalid condition: %v", e.ID, err))
		return false
	}

	evalCtx := map[string]any{
		"output": result.Output,
		"error":  result.Error,
	}
	if snap, serr := ex.states.Snapshot(ctx, ex.executionID); serr == nil {
		for k, v := range snap {
			if _, taken := evalCtx[k]; !taken {
				evalCtx[k] = v
			}
		}
	}

	ok, err := cond.Evaluate(evalCtx)
	if err != nil {
		ex.events.EmitProblemReported(ex.streamID, ex.executionID, "executor",
			fmt.Sprintf("edge %s: condition evaluation failed: %v", e.ID, err))
		return false
	}
	return ok
}

// decideRoute delegates an llm_decide selection to the configured decider
// and records the decision as an L3 step.
func (ex *Executor) decideRoute(ctx context.Context, e EdgeSpec, result NodeResult, edges []EdgeSpec) string {
	var candidates []string
	for _, cand := range edges {
		if cand.Condition == CondLLMDecide {
			candidates = append(candidates, cand.Target)
		}
	}

	start := time.Now()
	step := runlog.NodeStepLog{
		NodeID:    e.Source,
		Name:      "llm_decide",
		StartedAt: start.UTC(),
	}

	decision := ""
	if ex.decider == nil {
		step.Error = "no route decider configured"
	} else {
		var err error
		decision, err = ex.decider(ctx, e.ConditionExpr, result, candidates)
		if err != nil {
			step.Error = err.Error()
			ex.events.EmitProblemReported(ex.streamID, ex.executionID, "executor",
				fmt.Sprintf("edge %s: route decision failed: %v", e.ID, err))
			decision = ""
		}
	}
	step.DurationMS = runlog.NowMS(start)
	step.Success = step.Error == ""
	step.OutputDigest = runlog.Digest([]byte(decision))
	if err := ex.logs.AppendStep(ex.runID, step); err != nil {
		ex.logger.Warn("failed to record llm_decide step: %v", err)
	}
	return decision
}

// applyInputMapping copies execution-scope values under the mapped names.
// Originals are retained so earlier readers keep working.
func (ex *Executor) applyInputMapping(ctx context.Context, e EdgeSpec) {
	for from, to := range e.InputMapping {
		v, ok, err := ex.states.Read(ctx, from,
			state.Access{Scope: state.ScopeExecution, ExecutionID: ex.executionID})
		if err != nil || !ok {
			continue
		}
		if err := ex.states.Write(ctx, to, v,
			state.Access{Scope: state.ScopeExecution, ExecutionID: ex.executionID}); err != nil {
			ex.logger.Error("edge %s: input mapping %s->%s failed: %v", e.ID, from, to, err)
		}
	}
}

// mergeTerminalOutputs returns the final output map. The last result's
// outputs win over earlier writes of the same keys.
func (ex *Executor) mergeTerminalOutputs(last NodeResult) map[string]any {
	out := make(map[string]any, len(last.Output))
	if snap, err := ex.states.Snapshot(context.Background(), ex.executionID); err == nil {
		for k, v := range snap {
			out[k] = v
		}
	}
	for k, v := range last.Output {
		out[k] = v
	}
	return out
}

// persistDetail appends the node's L2 record. Log failures are non-fatal.
func (ex *Executor) persistDetail(nodeID string, startedAt time.Time, result NodeResult) {
	tokens := result.InputTokens + result.OutputTokens
	if tokens == 0 {
		tokens = result.TokensUsed
	}
	detail := runlog.NodeDetail{
		NodeID:           nodeID,
		StartedAt:        startedAt.UTC(),
		DurationMS:       result.LatencyMS,
		Success:          result.Success,
		Error:            result.Error,
		TokensUsed:       tokens,
		Retries:          result.RetriesUsed,
		ExecutionQuality: string(result.ExecutionQuality),
	}
	if err := ex.logs.AppendNodeDetail(ex.runID, detail); err != nil {
		ex.logger.Error("failed to append node detail for %s: %v", nodeID, err)
	}
}

// writeSummary computes the L1 aggregate from the persisted L2 details so a
// crash between append and summary still yields a best-effort record.
func (ex *Executor) writeSummary(startWall time.Time, res *ExecutionResult) {
	details, err := ex.logs.LoadDetails(ex.runID)
	if err != nil {
		ex.logger.Error("failed to load details for summary %s: %v", ex.runID, err)
	}

	completed := time.Now().UTC()
	duration := completed.Sub(startWall).Milliseconds()

	summary := runlog.RunSummaryLog{
		RunID:              ex.runID,
		AgentID:            ex.agentID,
		Status:             string(res.Status),
		StartedAt:          startWall.UTC(),
		CompletedAt:        &completed,
		DurationMS:         &duration,
		TotalNodesExecuted: len(details),
		NodePath:           res.Path,
		TotalInputTokens:   res.TotalInputTokens,
		TotalOutputTokens:  res.TotalOutputTokens,
		ExecutionQuality:   string(res.ExecutionQuality),
		CorrelationID:      ex.correlationID,
	}
	if summary.NodePath == nil {
		summary.NodePath = []string{}
	}

	// Partial L2 (fewer records than steps) means something was lost
	// mid-run; flag it for operators.
	if len(details) < res.StepsExecuted || res.ExecutionQuality == QualityDegraded ||
		res.ExecutionQuality == QualityFailed {
		summary.NeedsAttention = true
	}

	if err := ex.logs.SaveSummary(ex.runID, summary); err != nil {
		ex.logger.Error("failed to save summary %s: %v", ex.runID, err)
	}
}

// sleep waits for d or until the context is cancelled.
func (ex *Executor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
