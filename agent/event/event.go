// Package event provides the in-process pub/sub bus used to observe agent
// execution. Events are advisory: emitters never block on subscribers, a slow
// subscriber drops its oldest queued events, and handler panics never escape
// the bus.
package event

import "time"

// Type identifies the kind of an execution event.
type Type string

// Event types emitted by the runtime.
const (
	// TypeNodeStarted is emitted before a node's first attempt.
	TypeNodeStarted Type = "node_started"

	// TypeNodeCompleted is emitted after a node's final attempt, successful or not.
	TypeNodeCompleted Type = "node_completed"

	// TypeNodeRetry is emitted before each retry attempt of a node.
	TypeNodeRetry Type = "node_retry"

	// TypeEdgeTraversed is emitted when the executor moves between nodes.
	TypeEdgeTraversed Type = "edge_traversed"

	// TypeExecutionPaused is emitted when an execution suspends waiting on
	// external input.
	TypeExecutionPaused Type = "execution_paused"

	// TypeExecutionResumed is emitted when a paused execution continues.
	TypeExecutionResumed Type = "execution_resumed"

	// TypeRunStarted is emitted once at the beginning of a run.
	TypeRunStarted Type = "run_started"

	// TypeRunCompleted is emitted once when a run terminates, regardless of outcome.
	TypeRunCompleted Type = "run_completed"

	// TypeProblemReported is emitted for non-fatal problems observers may care
	// about (bad edge expressions, log write failures, subscriber panics).
	TypeProblemReported Type = "problem_reported"
)

// Event is a single observation of execution progress.
//
// Events carry enough information for observers to drive UI updates, but the
// bus is not a durable log: delivery is best-effort and dropped events are
// only counted, never replayed.
type Event struct {
	// Type discriminates the payload.
	Type Type `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// StreamID identifies the execution stream (entry point) that produced
	// the event. Empty for runtime-level events.
	StreamID string `json:"stream_id,omitempty"`

	// ExecutionID identifies the execution within the stream.
	ExecutionID string `json:"execution_id,omitempty"`

	// Payload carries type-specific fields. Common keys: "node_id", "from",
	// "to", "attempt", "error", "status".
	Payload map[string]any `json:"payload,omitempty"`
}
