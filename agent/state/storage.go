package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/agentflow-go/log"
)

// errAlreadyStarted guards against double Start calls.
var errAlreadyStarted = errors.New("storage already started")

// Storage wraps a Backend with write-batching and a bounded read cache.
//
// Writes are enqueued and coalesced: a single background worker drains the
// queue every batch interval and only the last value enqueued for each
// (namespace, key) within the window hits the backend. Reads consult the
// cache first, then pending writes (read-your-writes), then the backend.
//
// Write errors are logged and counted; they never crash the writer loop.
type Storage struct {
	backend       Backend
	logger        log.Logger
	batchInterval time.Duration
	cacheTTL      time.Duration

	mu      sync.Mutex
	pending map[string]pendingWrite
	cache   map[string]cacheEntry
	started bool
	stopped bool

	stop chan struct{}
	done chan struct{}

	writeErrors  atomic.Uint64
	writesFlushd atomic.Uint64
}

type pendingWrite struct {
	namespace string
	key       string
	data      []byte
	delete    bool
}

type cacheEntry struct {
	data    []byte
	absent  bool
	expires time.Time
}

// StorageConfig configures a Storage instance.
type StorageConfig struct {
	// BatchInterval is the write-coalescing window. Default 100ms.
	BatchInterval time.Duration

	// CacheTTL is the read-cache lifetime. Default 1h.
	CacheTTL time.Duration

	// Logger receives write errors. Defaults to a no-op logger.
	Logger log.Logger
}

// NewStorage creates a Storage over the given backend.
func NewStorage(backend Backend, cfg StorageConfig) *Storage {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = &log.NoOpLogger{}
	}
	return &Storage{
		backend:       backend,
		logger:        cfg.Logger,
		batchInterval: cfg.BatchInterval,
		cacheTTL:      cfg.CacheTTL,
		pending:       make(map[string]pendingWrite),
		cache:         make(map[string]cacheEntry),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the background writer. Calling Start twice is an error.
func (s *Storage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errAlreadyStarted
	}
	s.started = true
	go s.writerLoop()
	return nil
}

// Stop halts the background writer and flushes all pending writes.
func (s *Storage) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	// Final flush after the worker has exited.
	s.flush()
	return s.backend.Close()
}

func (s *Storage) writerLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			return
		}
	}
}

// flush drains the pending queue, writing the last value per key.
func (s *Storage) flush() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = make(map[string]pendingWrite)
	s.mu.Unlock()

	ctx := context.Background()
	for _, w := range batch {
		var err error
		if w.delete {
			err = s.backend.Delete(ctx, w.namespace, w.key)
		} else {
			err = s.backend.Write(ctx, w.namespace, w.key, w.data)
		}
		if err != nil {
			s.writeErrors.Add(1)
			s.logger.Error("storage write failed for %s/%s: %v", w.namespace, w.key, err)
			continue
		}
		s.writesFlushd.Add(1)
	}
}

func cacheKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Put enqueues a write and returns immediately. The cache is updated
// synchronously so subsequent reads observe the new value.
func (s *Storage) Put(namespace, key string, data []byte) {
	ck := cacheKey(namespace, key)
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[ck] = pendingWrite{namespace: namespace, key: key, data: cp}
	s.cache[ck] = cacheEntry{data: cp, expires: time.Now().Add(s.cacheTTL)}
}

// Get returns the value for namespace/key, or ErrNotFound. Cache misses
// read through to the backend and populate the cache.
func (s *Storage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	ck := cacheKey(namespace, key)

	s.mu.Lock()
	if w, ok := s.pending[ck]; ok {
		s.mu.Unlock()
		if w.delete {
			return nil, ErrNotFound
		}
		return append([]byte(nil), w.data...), nil
	}
	if e, ok := s.cache[ck]; ok && time.Now().Before(e.expires) {
		s.mu.Unlock()
		if e.absent {
			return nil, ErrNotFound
		}
		return append([]byte(nil), e.data...), nil
	}
	s.mu.Unlock()

	data, err := s.backend.Read(ctx, namespace, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.mu.Lock()
			s.cache[ck] = cacheEntry{absent: true, expires: time.Now().Add(s.cacheTTL)}
			s.mu.Unlock()
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache[ck] = cacheEntry{data: data, expires: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()
	return append([]byte(nil), data...), nil
}

// Delete enqueues a removal and invalidates the cache entry.
func (s *Storage) Delete(namespace, key string) {
	ck := cacheKey(namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[ck] = pendingWrite{namespace: namespace, key: key, delete: true}
	s.cache[ck] = cacheEntry{absent: true, expires: time.Now().Add(s.cacheTTL)}
}

// Flush synchronously drains pending writes. Intended for tests and
// checkpoints; normal operation relies on the background worker.
func (s *Storage) Flush() {
	s.flush()
}

// WriteErrors returns the count of failed backend writes.
func (s *Storage) WriteErrors() uint64 {
	return s.writeErrors.Load()
}

// Healthy reports whether the backend responds to a probe read.
func (s *Storage) Healthy(ctx context.Context) bool {
	_, err := s.backend.Read(ctx, "health", "probe")
	return err == nil || errors.Is(err, ErrNotFound)
}
