// Package tool defines the tool dispatch surface nodes call through their
// execution context, plus a registry with credential-aware resolution.
//
// The runtime core does not ship domain tools; callers register their own
// implementations or plug in a custom Dispatcher.
package tool

import (
	"context"
	"fmt"
	"sync"
)

// Result is the outcome of a single tool invocation.
type Result struct {
	// OK reports whether the call succeeded.
	OK bool `json:"ok"`

	// Content is the tool output, or a diagnostic when the call failed.
	Content string `json:"content"`

	// IsError mirrors !OK in a form model providers can forward verbatim
	// into tool-result blocks.
	IsError bool `json:"is_error"`

	// CredentialError marks failures caused by missing or rejected
	// credentials. These are persistent; the executor does not retry them.
	CredentialError bool `json:"credential_error,omitempty"`
}

// Errorf builds a failed Result with a formatted diagnostic.
func Errorf(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Dispatcher routes a tool call by name.
//
// Implementations must return a diagnostic Result for unknown tools rather
// than an error; the error return is for infrastructure failures only.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, input map[string]any) (Result, error)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, name string, input map[string]any) (Result, error)

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, name string, input map[string]any) (Result, error) {
	return f(ctx, name, input)
}

// Tool is a single invocable capability.
type Tool interface {
	// Name is the identifier nodes declare in their tools list.
	Name() string

	// Description explains the tool for model-facing tool specs.
	Description() string

	// Call executes the tool.
	Call(ctx context.Context, input map[string]any) (Result, error)
}

// CredentialChecker reports whether the credential a tool needs is present.
// Used during run preflight so configuration failures surface before any
// node executes.
type CredentialChecker interface {
	HasCredential(name string) bool
}

// CredentialFunc adapts a function to CredentialChecker.
type CredentialFunc func(name string) bool

// HasCredential calls f.
func (f CredentialFunc) HasCredential(name string) bool { return f(name) }

// AllCredentials treats every credential as present. Useful for tests and
// for deployments where tools manage their own auth.
var AllCredentials CredentialChecker = CredentialFunc(func(string) bool { return true })

// Registry is a concurrency-safe Dispatcher over named tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	creds CredentialChecker
}

// NewRegistry creates an empty registry. A nil checker defaults to
// AllCredentials.
func NewRegistry(creds CredentialChecker) *Registry {
	if creds == nil {
		creds = AllCredentials
	}
	return &Registry{tools: make(map[string]Tool), creds: creds}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool, if registered.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// HasCredential reports credential presence for name via the configured
// checker.
func (r *Registry) HasCredential(name string) bool {
	return r.creds.HasCredential(name)
}

// Dispatch routes the call to the named tool. Unknown tools yield a
// diagnostic Result, not an error.
func (r *Registry) Dispatch(ctx context.Context, name string, input map[string]any) (Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return Errorf("unknown tool %q", name), nil
	}
	if !r.creds.HasCredential(name) {
		return Result{
			Content:         fmt.Sprintf("credential missing for tool %q", name),
			IsError:         true,
			CredentialError: true,
		}, nil
	}
	return t.Call(ctx, input)
}
