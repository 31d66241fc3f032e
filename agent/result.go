package agent

import (
	"github.com/dshills/agentflow-go/agent/runlog"
)

// Quality summarizes how well a node or run behaved.
type Quality string

// Quality tags.
const (
	QualityClean     Quality = runlog.QualityClean
	QualityRecovered Quality = runlog.QualityRecovered
	QualityDegraded  Quality = runlog.QualityDegraded
	QualityFailed    Quality = runlog.QualityFailed
)

// Status is the lifecycle state of one execution.
type Status string

// Execution states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// NodeResult is the outcome of one node invocation.
type NodeResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`

	TokensUsed int   `json:"tokens_used"`
	LatencyMS  int64 `json:"latency_ms"`

	// InputTokens and OutputTokens split TokensUsed when the node knows
	// the breakdown (model-backed nodes do). When both are zero,
	// TokensUsed alone feeds the run totals.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// RetriesUsed counts attempts beyond the first.
	RetriesUsed int `json:"retries_used,omitempty"`

	// ExecutionQuality tags the node outcome: clean, recovered, degraded
	// or failed.
	ExecutionQuality Quality `json:"execution_quality,omitempty"`
}

// SessionState is the resumable snapshot returned when a run times out.
// Memory holds the execution partition; NextNode is the node that had not
// yet run when the wall clock expired.
type SessionState struct {
	Memory        map[string]any `json:"memory"`
	ExecutionPath []string       `json:"execution_path"`
	NextNode      string         `json:"next_node,omitempty"`
}

// ExecutionResult is the final outcome of one run.
type ExecutionResult struct {
	ExecutionID string `json:"execution_id"`
	RunID       string `json:"run_id,omitempty"`
	Status      Status `json:"status"`

	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`

	Path          []string `json:"path"`
	StepsExecuted int      `json:"steps_executed"`

	TotalRetries      int      `json:"total_retries"`
	NodesWithFailures []string `json:"nodes_with_failures,omitempty"`

	ExecutionQuality Quality `json:"execution_quality,omitempty"`

	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`

	// SessionState is populated on timeout so the caller can resume.
	SessionState *SessionState `json:"session_state,omitempty"`
}
