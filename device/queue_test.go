package device

import "testing"

func TestEventQueue_Order(t *testing.T) {
	q := NewEventQueue(4)

	for ep := uint8(1); ep <= 3; ep++ {
		if !q.Push(SendCompleteEvent(ep)) {
			t.Fatalf("Push(%d) refused", ep)
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}
	for want := uint8(1); want <= 3; want++ {
		e, ok := q.Pop()
		if !ok || e.Endpoint != want {
			t.Errorf("Pop() = ep%d %v, want ep%d", e.Endpoint, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on empty queue succeeded")
	}
}

func TestEventQueue_Full(t *testing.T) {
	q := NewEventQueue(2)

	q.Push(BusResetEvent())
	if q.Full() {
		t.Error("Full() with one free entry")
	}
	q.Push(BusResetEvent())
	if !q.Full() {
		t.Error("Full() = false at capacity")
	}
	if q.Push(BusResetEvent()) {
		t.Error("Push() succeeded on a full queue")
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", q.Dropped())
	}

	q.Pop()
	if !q.Push(BusResetEvent()) {
		t.Error("Push() refused after Pop")
	}
}

func TestEventQueue_DefaultDepth(t *testing.T) {
	q := NewEventQueue(0)
	for i := 0; i < EventQueueDepth; i++ {
		if !q.Push(BusResetEvent()) {
			t.Fatalf("Push() refused at %d", i)
		}
	}
	if !q.Full() {
		t.Errorf("queue not full at %d events", EventQueueDepth)
	}
}
