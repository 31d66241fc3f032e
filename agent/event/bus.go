package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/agentflow-go/log"
)

// defaultQueueSize bounds each subscriber's pending queue. When the queue is
// full the oldest pending event is dropped and counted.
const defaultQueueSize = 256

// Handler receives events for a subscription. Handlers run on a dedicated
// goroutine per subscription; a handler that panics is logged and the panic
// does not propagate to the emitter or other subscribers.
type Handler func(Event)

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscriber)

// WithStreamFilter restricts a subscription to events from one stream.
func WithStreamFilter(streamID string) SubscribeOption {
	return func(s *subscriber) {
		s.streamFilter = streamID
	}
}

// WithQueueSize overrides the subscriber's pending-queue depth.
func WithQueueSize(n int) SubscribeOption {
	return func(s *subscriber) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

type subscriber struct {
	id           int
	types        map[Type]bool // nil means all types
	handler      Handler
	streamFilter string
	queueSize    int

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	closed  bool
}

// Bus is an in-process publish/subscribe hub for execution events.
//
// Emit never blocks: each subscriber owns a bounded queue drained by its own
// goroutine. A ring buffer of recent events is retained so late subscribers
// can query history.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	logger  log.Logger
	wg      sync.WaitGroup
	dropped atomic.Uint64
	panics  atomic.Uint64

	histMu     sync.Mutex
	history    []Event
	maxHistory int
}

// NewBus creates a Bus retaining up to maxHistory recent events.
func NewBus(maxHistory int, logger log.Logger) *Bus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	return &Bus{
		subs:       make(map[int]*subscriber),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// Subscribe registers a handler for the given event types. An empty or nil
// types slice subscribes to all types. Returns the subscription id.
func (b *Bus) Subscribe(types []Type, handler Handler, opts ...SubscribeOption) int {
	sub := &subscriber{
		handler:   handler,
		queueSize: defaultQueueSize,
		wake:      make(chan struct{}, 1),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return -1
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatchLoop(sub)

	return sub.id
}

// Unsubscribe removes a subscription. Returns false if the id is unknown.
func (b *Bus) Unsubscribe(id int) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	return ok
}

// Emit publishes an event to all matching subscribers and records it in the
// history ring. Emit returns before any handler observes the event.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.histMu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	b.histMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		if sub.streamFilter != "" && sub.streamFilter != ev.StreamID {
			continue
		}
		b.enqueue(sub, ev)
	}
}

func (b *Bus) enqueue(sub *subscriber, ev Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if len(sub.pending) >= sub.queueSize {
		// Drop the oldest event; the stream is advisory, never authoritative.
		sub.pending = sub.pending[1:]
		b.dropped.Add(1)
	}
	sub.pending = append(sub.pending, ev)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) dispatchLoop(sub *subscriber) {
	defer b.wg.Done()
	for range sub.wake {
		for {
			sub.mu.Lock()
			if sub.closed {
				sub.mu.Unlock()
				return
			}
			if len(sub.pending) == 0 {
				sub.mu.Unlock()
				break
			}
			ev := sub.pending[0]
			sub.pending = sub.pending[1:]
			sub.mu.Unlock()

			b.deliver(sub, ev)
		}
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("event subscriber %d panicked on %s: %v", sub.id, ev.Type, r)
		}
	}()
	sub.handler(ev)
}

// History returns up to limit recent events, oldest first. A non-positive
// limit returns the full retained window.
func (b *Bus) History(limit int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// DroppedEvents returns the number of events dropped due to full queues.
func (b *Bus) DroppedEvents() uint64 {
	return b.dropped.Load()
}

// HandlerPanics returns the number of recovered subscriber panics.
func (b *Bus) HandlerPanics() uint64 {
	return b.panics.Load()
}

// Close stops all subscriptions. Pending events may be discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	b.wg.Wait()
}

// Emit helpers. Each constructs an event of the named type. The helpers keep
// payload keys consistent across the codebase.

// EmitNodeStarted publishes a node_started event.
func (b *Bus) EmitNodeStarted(streamID, executionID, nodeID string) {
	b.Emit(Event{
		Type:        TypeNodeStarted,
		StreamID:    streamID,
		ExecutionID: executionID,
		Payload:     map[string]any{"node_id": nodeID},
	})
}

// EmitNodeCompleted publishes a node_completed event.
func (b *Bus) EmitNodeCompleted(streamID, executionID, nodeID string, success bool, errMsg string) {
	payload := map[string]any{"node_id": nodeID, "success": success}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	b.Emit(Event{
		Type:        TypeNodeCompleted,
		StreamID:    streamID,
		ExecutionID: executionID,
		Payload:     payload,
	})
}

// EmitNodeRetry publishes a node_retry event for the given attempt (1-based).
func (b *Bus) EmitNodeRetry(streamID, executionID, nodeID string, attempt int, errMsg string) {
	payload := map[string]any{"node_id": nodeID, "attempt": attempt}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	b.Emit(Event{
		Type:        TypeNodeRetry,
		StreamID:    streamID,
		ExecutionID: executionID,
		Payload:     payload,
	})
}

// EmitEdgeTraversed publishes an edge_traversed event.
func (b *Bus) EmitEdgeTraversed(streamID, executionID, from, to string) {
	b.Emit(Event{
		Type:        TypeEdgeTraversed,
		StreamID:    streamID,
		ExecutionID: executionID,
		Payload:     map[string]any{"from": from, "to": to},
	})
}

// EmitExecutionPaused publishes an execution_paused event.
func (b *Bus) EmitExecutionPaused(streamID, executionID, reason string) {
	b.Emit(Event{
		Type:        TypeExecutionPaused,
		StreamID:    streamID,
		ExecutionID: executionID,
		Payload:     map[string]any{"reason": reason},
	})
}

// EmitExecutionResumed publishes an execution_resumed event.
func (b *Bus) EmitExecutionResumed(streamID, executionID string) {
	b.Emit(Event{
		Type:        TypeExecutionResumed,
		StreamID:    streamID,
		ExecutionID: executionID,
	})
}

// EmitRunStarted publishes a run_started event.
func (b *Bus) EmitRunStarted(streamID, executionID, runID, agentID string) {
	b.Emit(Event{
		Type:        TypeRunStarted,
		StreamID:    streamID,
		ExecutionID: executionID,
		Payload:     map[string]any{"run_id": runID, "agent_id": agentID},
	})
}

// EmitRunCompleted publishes a run_completed event.
func (b *Bus) EmitRunCompleted(streamID, executionID, runID, status string) {
	b.Emit(Event{
		Type:        TypeRunCompleted,
		StreamID:    streamID,
		ExecutionID: executionID,
		Payload:     map[string]any{"run_id": runID, "status": status},
	})
}

// EmitProblemReported publishes a problem_reported event.
func (b *Bus) EmitProblemReported(streamID, executionID, component, problem string) {
	b.Emit(Event{
		Type:        TypeProblemReported,
		StreamID:    streamID,
		ExecutionID: executionID,
		Payload:     map[string]any{"component": component, "problem": problem},
	})
}
