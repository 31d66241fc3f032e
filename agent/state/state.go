package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/agentflow-go/log"
)

// Scope identifies one of the three state tiers.
type Scope string

// State scopes.
const (
	// ScopeGlobal is a single partition shared by every execution.
	ScopeGlobal Scope = "global"

	// ScopeStream is one partition per execution stream, shared by all
	// executions on that stream.
	ScopeStream Scope = "stream"

	// ScopeExecution is one partition per execution, owned by exactly one
	// execution and purged after the execution-state TTL.
	ScopeExecution Scope = "execution"
)

// globalPartitionKey is the singleton partition key for the global scope.
const globalPartitionKey = "default"

// Isolation selects how scope resolution treats an operation.
type Isolation int

const (
	// Shared uses the caller-specified scope (global when unspecified).
	Shared Isolation = iota

	// Isolated forces the operation into the execution scope regardless of
	// the call site's intent.
	Isolated
)

// Access names the partition an operation targets.
type Access struct {
	// ExecutionID is required when the resolved scope is execution.
	ExecutionID string

	// StreamID is required when the resolved scope is stream.
	StreamID string

	// Isolation controls scope resolution. Isolated overrides Scope.
	Isolation Isolation

	// Scope is the caller's intended scope. Defaults to global.
	Scope Scope
}

// partition is the unit of mutual exclusion. Each partition carries its own
// lock so independent partitions proceed in parallel.
type partition struct {
	mu         sync.Mutex
	values     map[string]any
	lastAccess time.Time
	loaded     bool
}

// Stats reports active in-memory partition counts per scope.
type Stats struct {
	GlobalPartitions    int `json:"global_partitions"`
	StreamPartitions    int `json:"stream_partitions"`
	ExecutionPartitions int `json:"execution_partitions"`
}

// Manager is the three-tier scoped key/value store.
//
// Partitions load lazily from storage on first read miss, persist as full
// snapshots after every write, and (for the execution scope) expire after a
// TTL measured from last access.
type Manager struct {
	storage      *Storage
	logger       log.Logger
	executionTTL time.Duration

	mu         sync.RWMutex
	partitions map[Scope]map[string]*partition
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// ExecutionTTL is how long an execution partition survives after its
	// last access. Default 1h.
	ExecutionTTL time.Duration

	// Logger receives purge/load diagnostics.
	Logger log.Logger
}

// NewManager creates a Manager over the given storage.
func NewManager(storage *Storage, cfg ManagerConfig) *Manager {
	if cfg.ExecutionTTL <= 0 {
		cfg.ExecutionTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = &log.NoOpLogger{}
	}
	return &Manager{
		storage:      storage,
		logger:       cfg.Logger,
		executionTTL: cfg.ExecutionTTL,
		partitions: map[Scope]map[string]*partition{
			ScopeGlobal:    make(map[string]*partition),
			ScopeStream:    make(map[string]*partition),
			ScopeExecution: make(map[string]*partition),
		},
	}
}

// resolve applies the scope resolution rules and returns the target scope
// and partition key.
func resolve(a Access) (Scope, string, error) {
	scope := a.Scope
	if scope == "" {
		scope = ScopeGlobal
	}
	if a.Isolation == Isolated {
		scope = ScopeExecution
	}
	switch scope {
	case ScopeGlobal:
		return ScopeGlobal, globalPartitionKey, nil
	case ScopeStream:
		if a.StreamID == "" {
			return "", "", errors.New("stream scope requires a stream id")
		}
		return ScopeStream, a.StreamID, nil
	case ScopeExecution:
		if a.ExecutionID == "" {
			return "", "", errors.New("execution scope requires an execution id")
		}
		return ScopeExecution, a.ExecutionID, nil
	default:
		return "", "", fmt.Errorf("unknown scope %q", scope)
	}
}

func namespaceFor(scope Scope) string {
	return "states/" + string(scope)
}

// getPartition returns the partition for (scope, key), creating it in memory
// if it is new.
func (m *Manager) getPartition(scope Scope, key string) *partition {
	m.mu.RLock()
	p, ok := m.partitions[scope][key]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.partitions[scope][key]; ok {
		return p
	}
	p = &partition{values: make(map[string]any), lastAccess: time.Now()}
	m.partitions[scope][key] = p
	return p
}

// ensureLoaded rehydrates the partition from storage on first access.
// A missing file yields an empty partition. Caller holds p.mu.
func (m *Manager) ensureLoaded(ctx context.Context, scope Scope, key string, p *partition) error {
	if p.loaded {
		return nil
	}
	data, err := m.storage.Get(ctx, namespaceFor(scope), key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			p.loaded = true
			return nil
		}
		return fmt.Errorf("failed to load partition %s/%s: %w", scope, key, err)
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to decode partition %s/%s: %w", scope, key, err)
	}
	for k, v := range values {
		if _, exists := p.values[k]; !exists {
			p.values[k] = v
		}
	}
	p.loaded = true
	return nil
}

// persist enqueues the full partition snapshot. Caller holds p.mu.
func (m *Manager) persist(scope Scope, key string, p *partition) error {
	data, err := json.Marshal(p.values)
	if err != nil {
		return fmt.Errorf("failed to encode partition %s/%s: %w", scope, key, err)
	}
	m.storage.Put(namespaceFor(scope), key, data)
	return nil
}

// Write stores value under key in the partition resolved from a.
func (m *Manager) Write(ctx context.Context, key string, value any, a Access) error {
	scope, pkey, err := resolve(a)
	if err != nil {
		return err
	}
	p := m.getPartition(scope, pkey)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := m.ensureLoaded(ctx, scope, pkey, p); err != nil {
		return err
	}
	p.values[key] = value
	p.lastAccess = time.Now()
	return m.persist(scope, pkey, p)
}

// Read returns the value for key in the partition resolved from a. The
// second return reports presence.
func (m *Manager) Read(ctx context.Context, key string, a Access) (any, bool, error) {
	scope, pkey, err := resolve(a)
	if err != nil {
		return nil, false, err
	}
	p := m.getPartition(scope, pkey)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := m.ensureLoaded(ctx, scope, pkey, p); err != nil {
		return nil, false, err
	}
	p.lastAccess = time.Now()
	v, ok := p.values[key]
	return v, ok, nil
}

// Delete removes key from the resolved partition and persists the snapshot.
func (m *Manager) Delete(ctx context.Context, key string, a Access) error {
	scope, pkey, err := resolve(a)
	if err != nil {
		return err
	}
	p := m.getPartition(scope, pkey)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := m.ensureLoaded(ctx, scope, pkey, p); err != nil {
		return err
	}
	delete(p.values, key)
	p.lastAccess = time.Now()
	return m.persist(scope, pkey, p)
}

// Snapshot returns a copy of an execution partition's values. Used to build
// resumable session state on timeout.
func (m *Manager) Snapshot(ctx context.Context, executionID string) (map[string]any, error) {
	p := m.getPartition(ScopeExecution, executionID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := m.ensureLoaded(ctx, ScopeExecution, executionID, p); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out, nil
}

// Restore seeds an execution partition with the given values, overwriting
// existing keys. Used when resuming from saved session state.
func (m *Manager) Restore(ctx context.Context, executionID string, values map[string]any) error {
	p := m.getPartition(ScopeExecution, executionID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := m.ensureLoaded(ctx, ScopeExecution, executionID, p); err != nil {
		return err
	}
	for k, v := range values {
		p.values[k] = v
	}
	p.lastAccess = time.Now()
	return m.persist(ScopeExecution, executionID, p)
}

// ClearExecution removes an execution partition from memory and disk.
// Clearing an absent partition is a no-op, so the operation is idempotent.
func (m *Manager) ClearExecution(executionID string) {
	m.mu.Lock()
	delete(m.partitions[ScopeExecution], executionID)
	m.mu.Unlock()
	m.storage.Delete(namespaceFor(ScopeExecution), executionID)
}

// PurgeExpired removes execution partitions whose last access is older than
// the TTL. Returns the number of partitions purged.
func (m *Manager) PurgeExpired() int {
	cutoff := time.Now().Add(-m.executionTTL)

	m.mu.RLock()
	candidates := make([]string, 0)
	for key, p := range m.partitions[ScopeExecution] {
		p.mu.Lock()
		expired := p.lastAccess.Before(cutoff)
		p.mu.Unlock()
		if expired {
			candidates = append(candidates, key)
		}
	}
	m.mu.RUnlock()

	for _, key := range candidates {
		m.ClearExecution(key)
		m.logger.Debug("purged expired execution state %s", key)
	}
	return len(candidates)
}

// GetStats reports active in-memory partitions per scope.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		GlobalPartitions:    len(m.partitions[ScopeGlobal]),
		StreamPartitions:    len(m.partitions[ScopeStream]),
		ExecutionPartitions: len(m.partitions[ScopeExecution]),
	}
}

// HasInMemory reports whether a partition is currently resident without
// touching storage. Test hook for observing lazy loading.
func (m *Manager) HasInMemory(scope Scope, partitionKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.partitions[scope][partitionKey]
	return ok
}
