package event

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// collector is a handler that records delivered events.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestBusSubscribeTypeFilter(t *testing.T) {
	b := NewBus(100, nil)
	defer b.Close()

	var c collector
	b.Subscribe([]Type{TypeNodeStarted}, c.handle)

	b.EmitNodeStarted("s1", "e1", "n1")
	b.EmitNodeCompleted("s1", "e1", "n1", true, "")
	b.EmitNodeStarted("s1", "e1", "n2")

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
	for _, ev := range c.snapshot() {
		if ev.Type != TypeNodeStarted {
			t.Errorf("delivered %s, want only node_started", ev.Type)
		}
	}
}

func TestBusSubscribeAllTypes(t *testing.T) {
	b := NewBus(100, nil)
	defer b.Close()

	var c collector
	b.Subscribe(nil, c.handle)

	b.EmitRunStarted("s1", "e1", "run-1", "agent1")
	b.EmitEdgeTraversed("s1", "e1", "a", "b")
	b.EmitRunCompleted("s1", "e1", "run-1", "completed")

	waitFor(t, func() bool { return len(c.snapshot()) == 3 })
}

func TestBusStreamFilter(t *testing.T) {
	b := NewBus(100, nil)
	defer b.Close()

	var c collector
	b.Subscribe(nil, c.handle, WithStreamFilter("s1"))

	b.EmitNodeStarted("s1", "e1", "n1")
	b.EmitNodeStarted("s2", "e2", "n1")
	b.EmitNodeStarted("s1", "e3", "n1")

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
	for _, ev := range c.snapshot() {
		if ev.StreamID != "s1" {
			t.Errorf("delivered event from stream %s", ev.StreamID)
		}
	}
}

func TestBusHistory(t *testing.T) {
	b := NewBus(5, nil)
	defer b.Close()

	for i := 0; i < 8; i++ {
		b.Emit(Event{Type: TypeNodeStarted, Payload: map[string]any{"seq": i}})
	}

	t.Run("ring keeps the newest events", func(t *testing.T) {
		h := b.History(0)
		if len(h) != 5 {
			t.Fatalf("history length = %d, want 5", len(h))
		}
		if h[0].Payload["seq"] != 3 || h[4].Payload["seq"] != 7 {
			t.Errorf("window = %v .. %v", h[0].Payload["seq"], h[4].Payload["seq"])
		}
	})

	t.Run("limit trims from the old end", func(t *testing.T) {
		h := b.History(2)
		if len(h) != 2 || h[0].Payload["seq"] != 6 || h[1].Payload["seq"] != 7 {
			t.Errorf("history(2) = %v", h)
		}
	})

	t.Run("timestamps are stamped on emit", func(t *testing.T) {
		for _, ev := range b.History(0) {
			if ev.Timestamp.IsZero() {
				t.Fatal("event has zero timestamp")
			}
		}
	})
}

func TestBusDropOldest(t *testing.T) {
	b := NewBus(100, nil)
	defer b.Close()

	// A handler stuck on release keeps the queue from draining.
	release := make(chan struct{})
	first := make(chan struct{})
	var once sync.Once
	var c collector
	b.Subscribe(nil, func(ev Event) {
		once.Do(func() { close(first) })
		<-release
		c.handle(ev)
	}, WithQueueSize(2))

	b.Emit(Event{Type: TypeNodeStarted, Payload: map[string]any{"seq": 0}})
	<-first // handler now busy with seq 0; queue is empty

	for i := 1; i <= 4; i++ {
		b.Emit(Event{Type: TypeNodeStarted, Payload: map[string]any{"seq": i}})
	}
	waitFor(t, func() bool { return b.DroppedEvents() == 2 })
	close(release)

	// seq 0 delivered, seq 1 and 2 dropped, seq 3 and 4 survive.
	waitFor(t, func() bool { return len(c.snapshot()) == 3 })
	got := c.snapshot()
	if got[1].Payload["seq"] != 3 || got[2].Payload["seq"] != 4 {
		t.Errorf("delivered = %v, %v", got[1].Payload["seq"], got[2].Payload["seq"])
	}
}

func TestBusHandlerPanicIsolated(t *testing.T) {
	b := NewBus(100, nil)
	defer b.Close()

	var c collector
	b.Subscribe(nil, func(ev Event) {
		panic("handler bug")
	})
	b.Subscribe(nil, c.handle)

	b.EmitNodeStarted("s1", "e1", "n1")
	b.EmitNodeStarted("s1", "e1", "n2")

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
	waitFor(t, func() bool { return b.HandlerPanics() == 2 })
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(100, nil)
	defer b.Close()

	var c collector
	id := b.Subscribe(nil, c.handle)

	b.EmitNodeStarted("s1", "e1", "n1")
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })

	if !b.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false for live subscription")
	}
	if b.Unsubscribe(id) {
		t.Error("second Unsubscribe returned true")
	}
	if b.Unsubscribe(9999) {
		t.Error("Unsubscribe of unknown id returned true")
	}

	b.EmitNodeStarted("s1", "e1", "n2")
	time.Sleep(20 * time.Millisecond)
	if len(c.snapshot()) != 1 {
		t.Error("event delivered after unsubscribe")
	}
}

func TestBusClose(t *testing.T) {
	b := NewBus(100, nil)

	var c collector
	b.Subscribe(nil, c.handle)
	b.Close()

	// Emit after close is a no-op for subscribers but Close is idempotent.
	b.EmitNodeStarted("s1", "e1", "n1")
	b.Close()

	if id := b.Subscribe(nil, c.handle); id != -1 {
		t.Errorf("Subscribe after Close = %d, want -1", id)
	}
	if len(c.snapshot()) != 0 {
		t.Error("events delivered after Close")
	}
}

func TestEmitHelperPayloads(t *testing.T) {
	b := NewBus(100, nil)
	defer b.Close()

	var c collector
	b.Subscribe(nil, c.handle)

	b.EmitNodeCompleted("s1", "e1", "n1", false, "boom")
	b.EmitNodeRetry("s1", "e1", "n1", 2, "boom")
	b.EmitExecutionPaused("s1", "e1", "timeout")
	b.EmitProblemReported("s1", "e1", "runlog", "write failed")
	waitFor(t, func() bool { return len(c.snapshot()) == 4 })

	byType := map[Type]Event{}
	for _, ev := range c.snapshot() {
		byType[ev.Type] = ev
	}

	cases := []struct {
		typ Type
		key string
		val any
	}{
		{TypeNodeCompleted, "success", false},
		{TypeNodeCompleted, "error", "boom"},
		{TypeNodeRetry, "attempt", 2},
		{TypeExecutionPaused, "reason", "timeout"},
		{TypeProblemReported, "component", "runlog"},
		{TypeProblemReported, "problem", "write failed"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s", tc.typ, tc.key), func(t *testing.T) {
			ev, ok := byType[tc.typ]
			if !ok {
				t.Fatalf("no %s event delivered", tc.typ)
			}
			if ev.Payload[tc.key] != tc.val {
				t.Errorf("payload[%s] = %v, want %v", tc.key, ev.Payload[tc.key], tc.val)
			}
		})
	}
}
