package device

import "sync/atomic"

// EventQueue is the bounded FIFO between the interrupt path (the single
// producer) and the main loop (the single consumer). Neither side blocks.
type EventQueue struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewEventQueue creates a queue holding up to depth events.
func NewEventQueue(depth int) *EventQueue {
	if depth <= 0 {
		depth = EventQueueDepth
	}
	return &EventQueue{ch: make(chan Event, depth)}
}

// Push appends e. It returns false, and counts the drop, when the queue is full.
func (q *EventQueue) Push(e Event) bool {
	select {
	case q.ch <- e:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop removes the oldest event.
func (q *EventQueue) Pop() (Event, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
		return Event{}, false
	}
}

// Full reports whether a Push would fail. Only the producer may rely on it.
func (q *EventQueue) Full() bool {
	return len(q.ch) == cap(q.ch)
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	return len(q.ch)
}

// Dropped returns the number of events refused because the queue was full.
func (q *EventQueue) Dropped() uint64 {
	return q.dropped.Load()
}
