// Package model defines the LLM provider contract the runtime consumes,
// plus a scriptable mock. Concrete providers live in subpackages.
package model

import (
	"context"
	"errors"
)

// ErrRateLimited signals a provider 429. The rate-limited call helper
// retries these with exponential backoff.
var ErrRateLimited = errors.New("rate limited by provider")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCallID links a tool-role message to the call it answers.
	// Provider-specific; empty for plain turns.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Request is a completion request.
type Request struct {
	Messages []Message `json:"messages"`
	System   string    `json:"system,omitempty"`

	// JSONMode asks the provider for structured JSON output where the
	// provider supports it.
	JSONMode bool `json:"json_mode,omitempty"`

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature, when non-nil, overrides the provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// Extra carries provider-specific options the core never interprets.
	Extra map[string]any `json:"extra,omitempty"`
}

// Completion is a provider response. The core only aggregates tokens; all
// other fields pass through to nodes untouched.
type Completion struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Model            string `json:"model"`
	InputTokens      int    `json:"input_tokens"`
	OutputTokens     int    `json:"output_tokens"`
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolExecutor runs a tool call requested by the model during a
// CompleteWithTools loop and returns its textual result.
type ToolExecutor func(ctx context.Context, name string, input map[string]any) (content string, isError bool)

// Provider is the LLM integration surface.
type Provider interface {
	// Complete runs a plain completion.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// CompleteWithTools runs a completion with an internal tool-call loop:
	// the provider executes requested tools via exec and feeds results back
	// until the model stops asking.
	CompleteWithTools(ctx context.Context, req Request, tools []ToolSpec, exec ToolExecutor) (*Completion, error)
}
