package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by runtime operations.
var (
	// ErrNotStarted is returned when an operation requires a running
	// runtime or stream.
	ErrNotStarted = errors.New("runtime not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("runtime already started")

	// ErrEntryPointNotFound is returned by Trigger for an unknown entry
	// point id.
	ErrEntryPointNotFound = errors.New("entry point not found")

	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionCancelled marks a run ended by cancellation.
	ErrExecutionCancelled = errors.New("execution cancelled")

	// ErrMaxStepsExceeded marks a run that hit the step cap.
	ErrMaxStepsExceeded = errors.New("max steps exceeded")
)

// RuntimeError is a runtime-level failure with a machine-readable code.
type RuntimeError struct {
	Message string
	Code    string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Runtime error codes.
const (
	ErrCodeInvalidGraph      = "INVALID_GRAPH"
	ErrCodeInvalidEntryPoint = "INVALID_ENTRY_POINT"
	ErrCodeMissingCredential = "MISSING_CREDENTIAL"
	ErrCodeTimeout           = "EXECUTION_TIMEOUT"
	ErrCodeCancelled         = "EXECUTION_CANCELLED"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeStorage           = "STORAGE_ERROR"
)

// NewRuntimeError creates a RuntimeError.
func NewRuntimeError(code, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NodeError is a failure attributed to a specific node. Cause, when set, is
// reachable through errors.Unwrap.
type NodeError struct {
	Message string
	Code    string
	NodeID  string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] node %s: %s: %v", e.Code, e.NodeID, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
}

// Unwrap returns the underlying cause.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// NewNodeError creates a NodeError with an optional cause.
func NewNodeError(code, nodeID, message string, cause error) *NodeError {
	return &NodeError{Code: code, NodeID: nodeID, Message: message, Cause: cause}
}
