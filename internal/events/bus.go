package events

import (
	"sync"

	"elisa/internal/logging"
)

// Sink receives serialized events. Implementations must tolerate being
// called from the bus goroutine only.
type Sink func(Event)

// Bus is the single ordered outbound channel for one session. Publication
// order equals delivery order: a serializer goroutine drains a buffered
// channel into the current sink. Events published while no sink is attached
// are dropped (at-least-once within a live connection, no replay).
type Bus struct {
	sessionID string
	ch        chan Event
	done      chan struct{}

	mu     sync.Mutex
	sink   Sink
	closed bool
	// terminal latches once a session_complete or unrecoverable error has
	// been published; later events are discarded.
	terminal bool
}

// NewBus creates and starts a bus for one session.
func NewBus(sessionID string) *Bus {
	b := &Bus{
		sessionID: sessionID,
		ch:        make(chan Event, 256),
		done:      make(chan struct{}),
	}
	go b.serialize()
	return b
}

// Subscribe attaches the single subscriber sink, replacing any previous one.
func (b *Bus) Subscribe(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Publish enqueues an event tagged with the session id. Publishing after a
// terminal event is a silent no-op; publishing to a closed bus is dropped
// with a warning.
func (b *Bus) Publish(e Event) {
	e.SessionID = b.sessionID

	b.mu.Lock()
	if b.closed || b.terminal {
		b.mu.Unlock()
		return
	}
	if e.Terminal() {
		b.terminal = true
	}
	b.mu.Unlock()

	select {
	case b.ch <- e:
	default:
		logging.Warn("event bus full, dropping event", "session", b.sessionID, "type", e.Type)
	}
}

// Close stops the serializer after draining queued events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.ch)
	<-b.done
}

func (b *Bus) serialize() {
	defer close(b.done)
	for e := range b.ch {
		b.mu.Lock()
		sink := b.sink
		b.mu.Unlock()
		if sink != nil {
			sink(e)
		}
	}
}
