package state

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// countingBackend wraps a Backend and counts writes per key.
type countingBackend struct {
	Backend
	mu     sync.Mutex
	writes map[string]int
}

func newCountingBackend(inner Backend) *countingBackend {
	return &countingBackend{Backend: inner, writes: make(map[string]int)}
}

func (c *countingBackend) Write(ctx context.Context, namespace, key string, data []byte) error {
	c.mu.Lock()
	c.writes[namespace+"/"+key]++
	c.mu.Unlock()
	return c.Backend.Write(ctx, namespace, key, data)
}

func (c *countingBackend) count(namespace, key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[namespace+"/"+key]
}

func newTestStorage(t *testing.T) (*Storage, *countingBackend) {
	t.Helper()
	inner, err := NewFileBackend(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	backend := newCountingBackend(inner)
	return NewStorage(backend, StorageConfig{BatchInterval: time.Hour}), backend
}

func TestStorageReadYourWrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	s.Put("ns", "k", []byte("v1"))
	got, err := s.Get(ctx, "ns", "k")
	if err != nil || string(got) != "v1" {
		t.Errorf("Get = %q %v, want v1 before any flush", got, err)
	}

	s.Delete("ns", "k")
	if _, err := s.Get(ctx, "ns", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestStorageCoalescesWrites(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStorage(t)

	for i := 0; i < 50; i++ {
		s.Put("ns", "hot", []byte{byte(i)})
	}
	s.Flush()

	if got := backend.count("ns", "hot"); got != 1 {
		t.Errorf("backend saw %d writes, want 1 (last value wins)", got)
	}
	data, err := s.Get(ctx, "ns", "hot")
	if err != nil || len(data) != 1 || data[0] != 49 {
		t.Errorf("Get = %v %v, want the final value", data, err)
	}
}

func TestStorageStopFlushes(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	s := NewStorage(backend, StorageConfig{BatchInterval: time.Hour})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.Put("ns", "k", []byte("persist-me"))
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A fresh backend over the same directory must see the value.
	backend2, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	data, err := backend2.Read(ctx, "ns", "k")
	if err != nil || string(data) != "persist-me" {
		t.Errorf("Read = %q %v", data, err)
	}
}

func TestStorageLifecycle(t *testing.T) {
	s, _ := newTestStorage(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start should error")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestStorageCachesBackendReads(t *testing.T) {
	ctx := context.Background()
	inner, err := NewFileBackend(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := inner.Write(ctx, "ns", "k", []byte("on-disk")); err != nil {
		t.Fatalf("backend write: %v", err)
	}

	s := NewStorage(inner, StorageConfig{CacheTTL: time.Hour})
	if got, err := s.Get(ctx, "ns", "k"); err != nil || string(got) != "on-disk" {
		t.Fatalf("Get = %q %v", got, err)
	}

	// Change the file behind the cache; the cached value must win until TTL.
	if err := inner.Write(ctx, "ns", "k", []byte("changed")); err != nil {
		t.Fatalf("backend write: %v", err)
	}
	if got, _ := s.Get(ctx, "ns", "k"); string(got) != "on-disk" {
		t.Errorf("Get = %q, want cached value", got)
	}
}

func TestStorageHealthy(t *testing.T) {
	s, _ := newTestStorage(t)
	if !s.Healthy(context.Background()) {
		t.Error("fresh storage should be healthy")
	}
}

func TestFileBackendValidation(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	if err := b.Write(ctx, "ns", "../escape", []byte("x")); err == nil {
		t.Error("path traversal in key should be rejected")
	}
	if err := b.Write(ctx, "", "k", []byte("x")); err == nil {
		t.Error("empty namespace should be rejected")
	}
	if _, err := b.Read(ctx, "ns", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read missing = %v, want ErrNotFound", err)
	}
	if err := b.Delete(ctx, "ns", "missing"); err != nil {
		t.Errorf("Delete missing = %v, want nil", err)
	}
}
