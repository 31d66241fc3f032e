package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *Storage, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "state")
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	storage := NewStorage(backend, StorageConfig{BatchInterval: time.Millisecond})
	return NewManager(storage, ManagerConfig{ExecutionTTL: ttl}), storage, dir
}

func TestManagerScopes(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, time.Hour)

	execA := Access{Scope: ScopeExecution, ExecutionID: "e1"}
	execB := Access{Scope: ScopeExecution, ExecutionID: "e2"}
	stream := Access{Scope: ScopeStream, StreamID: "s1"}
	global := Access{Scope: ScopeGlobal}

	t.Run("execution partitions are isolated", func(t *testing.T) {
		if err := m.Write(ctx, "k", "a-val", execA); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if _, ok, _ := m.Read(ctx, "k", execB); ok {
			t.Error("e2 sees e1's value")
		}
		v, ok, err := m.Read(ctx, "k", execA)
		if err != nil || !ok || v != "a-val" {
			t.Errorf("Read = %v %v %v", v, ok, err)
		}
	})

	t.Run("stream scope shared across executions", func(t *testing.T) {
		if err := m.Write(ctx, "quota", 10, stream); err != nil {
			t.Fatalf("Write: %v", err)
		}
		v, ok, _ := m.Read(ctx, "quota", stream)
		if !ok || v != 10 {
			t.Errorf("Read = %v %v", v, ok)
		}
	})

	t.Run("global scope is a singleton", func(t *testing.T) {
		if err := m.Write(ctx, "version", "1.0", global); err != nil {
			t.Fatalf("Write: %v", err)
		}
		v, ok, _ := m.Read(ctx, "version", Access{})
		if !ok || v != "1.0" {
			t.Errorf("default access should hit global: %v %v", v, ok)
		}
	})

	t.Run("isolated forces execution scope", func(t *testing.T) {
		a := Access{Isolation: Isolated, ExecutionID: "e3", Scope: ScopeGlobal}
		if err := m.Write(ctx, "secret", "x", a); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if _, ok, _ := m.Read(ctx, "secret", global); ok {
			t.Error("isolated write leaked into global scope")
		}
		if _, ok, _ := m.Read(ctx, "secret", Access{Scope: ScopeExecution, ExecutionID: "e3"}); !ok {
			t.Error("isolated write not visible in execution scope")
		}
	})

	t.Run("missing ids rejected", func(t *testing.T) {
		if err := m.Write(ctx, "k", 1, Access{Scope: ScopeExecution}); err == nil {
			t.Error("execution scope without id should error")
		}
		if err := m.Write(ctx, "k", 1, Access{Scope: ScopeStream}); err == nil {
			t.Error("stream scope without id should error")
		}
	})

	t.Run("delete removes key", func(t *testing.T) {
		if err := m.Delete(ctx, "k", execA); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, ok, _ := m.Read(ctx, "k", execA); ok {
			t.Error("key survived delete")
		}
	})
}

func TestManagerPersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")

	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	storage := NewStorage(backend, StorageConfig{BatchInterval: time.Millisecond})
	if err := storage.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m1 := NewManager(storage, ManagerConfig{})
	if err := m1.Write(ctx, "counter", float64(7), Access{Scope: ScopeStream, StreamID: "s1"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := storage.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Fresh backend, storage and manager over the same directory.
	backend2, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	m2 := NewManager(NewStorage(backend2, StorageConfig{}), ManagerConfig{})

	if m2.HasInMemory(ScopeStream, "s1") {
		t.Error("partition resident before first access; loading should be lazy")
	}
	v, ok, err := m2.Read(ctx, "counter", Access{Scope: ScopeStream, StreamID: "s1"})
	if err != nil || !ok {
		t.Fatalf("Read after restart = %v %v %v", v, ok, err)
	}
	// JSON round trip; numbers come back as float64.
	if v != float64(7) {
		t.Errorf("counter = %v (%T), want 7", v, v)
	}
	if !m2.HasInMemory(ScopeStream, "s1") {
		t.Error("partition not resident after access")
	}
}

func TestManagerPurge(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 10*time.Millisecond)

	execA := Access{Scope: ScopeExecution, ExecutionID: "e1"}
	if err := m.Write(ctx, "k", 1, execA); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Write(ctx, "g", 1, Access{}); err != nil {
		t.Fatalf("Write global: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if n := m.PurgeExpired(); n != 1 {
		t.Errorf("purged %d partitions, want 1", n)
	}
	if m.HasInMemory(ScopeExecution, "e1") {
		t.Error("expired partition still resident")
	}
	// Global and stream scopes never expire.
	if _, ok, _ := m.Read(ctx, "g", Access{}); !ok {
		t.Error("global value purged")
	}

	t.Run("purge and clear are idempotent", func(t *testing.T) {
		if n := m.PurgeExpired(); n != 0 {
			t.Errorf("second purge removed %d partitions", n)
		}
		m.ClearExecution("e1")
		m.ClearExecution("never-existed")
	})
}

func TestManagerSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, time.Hour)

	a := Access{Scope: ScopeExecution, ExecutionID: "e1"}
	if err := m.Write(ctx, "step", 3, a); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Write(ctx, "notes", "halfway", a); err != nil {
		t.Fatalf("Write: %v", err)
	}

	snap, err := m.Snapshot(ctx, "e1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap["step"] != 3 || snap["notes"] != "halfway" {
		t.Errorf("snapshot = %v", snap)
	}

	// Mutating the snapshot must not touch the partition.
	snap["step"] = 99
	if v, _, _ := m.Read(ctx, "step", a); v != 3 {
		t.Errorf("snapshot mutation leaked: step = %v", v)
	}

	if err := m.Restore(ctx, "e2", snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	v, ok, _ := m.Read(ctx, "step", Access{Scope: ScopeExecution, ExecutionID: "e2"})
	if !ok || v != 99 {
		t.Errorf("restored step = %v %v", v, ok)
	}
}

func TestManagerStats(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, time.Hour)

	_ = m.Write(ctx, "a", 1, Access{})
	_ = m.Write(ctx, "b", 1, Access{Scope: ScopeStream, StreamID: "s1"})
	_ = m.Write(ctx, "c", 1, Access{Scope: ScopeExecution, ExecutionID: "e1"})
	_ = m.Write(ctx, "d", 1, Access{Scope: ScopeExecution, ExecutionID: "e2"})

	s := m.GetStats()
	if s.GlobalPartitions != 1 || s.StreamPartitions != 1 || s.ExecutionPartitions != 2 {
		t.Errorf("stats = %+v", s)
	}
}
