// Package runlog persists each agent run as a self-contained directory of
// three log levels: an aggregate summary (L1), per-node detail records (L2),
// and per-tool-call step records (L3).
//
// There is no shared index. Listing runs scans the directory tree on demand,
// which keeps parallel executors free of a global lock.
package runlog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Run status values recorded in the L1 summary.
const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTimedOut   = "timed_out"
	StatusCancelled  = "cancelled"
	StatusInProgress = "in_progress"
)

// Execution quality tags for nodes and runs.
const (
	QualityClean     = "clean"
	QualityRecovered = "recovered"
	QualityDegraded  = "degraded"
	QualityFailed    = "failed"
)

// NodeStepLog is one L3 record: a single tool or model call inside a node.
type NodeStepLog struct {
	StepID       string    `json:"step_id"`
	NodeID       string    `json:"node_id"`
	Name         string    `json:"name"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	InputDigest  string    `json:"input_digest,omitempty"`
	OutputDigest string    `json:"output_digest,omitempty"`
}

// NodeDetail is one L2 record: the outcome of a single node execution.
type NodeDetail struct {
	NodeID           string    `json:"node_id"`
	StartedAt        time.Time `json:"started_at"`
	DurationMS       int64     `json:"duration_ms"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	TokensUsed       int       `json:"tokens_used"`
	Retries          int       `json:"retries"`
	ExecutionQuality string    `json:"execution_quality"`
}

// RunSummaryLog is the L1 aggregate, written once at run end.
type RunSummaryLog struct {
	RunID              string     `json:"run_id"`
	AgentID            string     `json:"agent_id"`
	Status             string     `json:"status"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	DurationMS         *int64     `json:"duration_ms,omitempty"`
	TotalNodesExecuted int        `json:"total_nodes_executed"`
	NodePath           []string   `json:"node_path"`
	TotalInputTokens   int        `json:"total_input_tokens"`
	TotalOutputTokens  int        `json:"total_output_tokens"`
	ExecutionQuality   string     `json:"execution_quality,omitempty"`
	NeedsAttention     bool       `json:"needs_attention,omitempty"`
	CorrelationID      string     `json:"correlation_id,omitempty"`
}

// runIDTimeLayout is the timestamp prefix of run ids.
const runIDTimeLayout = "20060102T150405"

// NewRunID generates a run id of the form YYYYMMDDTHHMMSS_<8-hex>.
// The timestamp prefix makes ids sortable and lets listers best-effort
// recover a start time for runs that never wrote a summary.
func NewRunID(now time.Time) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// time-derived suffix rather than panic.
		return fmt.Sprintf("%s_%08x", now.UTC().Format(runIDTimeLayout), now.UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("%s_%s", now.UTC().Format(runIDTimeLayout), hex.EncodeToString(b[:]))
}

// parseRunIDTime extracts the timestamp prefix from a run id. Returns the
// zero time when the id does not carry a parseable prefix.
func parseRunIDTime(runID string) time.Time {
	if len(runID) < len(runIDTimeLayout) {
		return time.Time{}
	}
	t, err := time.Parse(runIDTimeLayout, runID[:len(runIDTimeLayout)])
	if err != nil {
		return time.Time{}
	}
	return t
}
