package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// collector is a sink that records delivered events.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) sink(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func TestPublishOrderEqualsDeliveryOrder(t *testing.T) {
	b := NewBus("s1")
	var c collector
	b.Subscribe(c.sink)

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(New(ToolUse, map[string]any{"seq": i}))
	}
	b.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) != n {
		t.Fatalf("delivered %d events, want %d", len(c.events), n)
	}
	for i, e := range c.events {
		if e.Data["seq"] != i {
			t.Fatalf("event %d carries seq %v", i, e.Data["seq"])
		}
		if e.SessionID != "s1" {
			t.Errorf("event %d session = %q", i, e.SessionID)
		}
	}
}

func TestTerminalLatchDropsLaterEvents(t *testing.T) {
	b := NewBus("s1")
	var c collector
	b.Subscribe(c.sink)

	b.Publish(New(TaskCompleted, nil))
	b.Publish(New(SessionComplete, map[string]any{"success": true}))
	b.Publish(New(ToolUse, nil))
	b.Publish(New(Error, map[string]any{"recoverable": false}))
	b.Close()

	got := c.types()
	want := []string{TaskCompleted, SessionComplete}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("delivered = %v, want %v", got, want)
	}
}

func TestRecoverableErrorDoesNotLatch(t *testing.T) {
	b := NewBus("s1")
	var c collector
	b.Subscribe(c.sink)

	b.Publish(New(Error, map[string]any{"recoverable": true}))
	b.Publish(New(TaskStarted, nil))
	b.Close()

	if got := c.types(); len(got) != 2 {
		t.Errorf("delivered = %v", got)
	}
}

func TestEventsWithoutSinkAreDropped(t *testing.T) {
	b := NewBus("s1")
	b.Publish(New(TaskStarted, nil))
	// Let the serializer drain the sinkless event before attaching.
	time.Sleep(20 * time.Millisecond)

	var c collector
	b.Subscribe(c.sink)
	b.Publish(New(TaskCompleted, nil))
	b.Close()

	got := c.types()
	if len(got) != 1 || got[0] != TaskCompleted {
		t.Errorf("delivered = %v", got)
	}
}

func TestPublishAfterCloseIsSafe(t *testing.T) {
	b := NewBus("s1")
	b.Close()
	b.Publish(New(TaskStarted, nil))
	b.Close()
}

func TestTerminalPredicate(t *testing.T) {
	tests := []struct {
		name string
		e    Event
		want bool
	}{
		{"session complete", New(SessionComplete, nil), true},
		{"unrecoverable error", New(Error, map[string]any{"recoverable": false}), true},
		{"recoverable error", New(Error, map[string]any{"recoverable": true}), false},
		{"error without flag", New(Error, nil), false},
		{"ordinary event", New(ToolUse, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v", got)
			}
		})
	}
}
