package device

import "sync"

// LoggedEvent is the host-visible record of one event: what happened and
// on which endpoint.
type LoggedEvent struct {
	Kind     EventKind
	Endpoint uint8
}

// EventLog is a bounded ring of events the host tool has not collected yet.
// When full, the oldest record is overwritten.
type EventLog struct {
	mutex   sync.Mutex
	buf     [EventLogDepth]LoggedEvent
	head    int
	n       int
	dropped uint64
}

// Record appends an event.
func (l *EventLog) Record(kind EventKind, endpoint uint8) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.n == len(l.buf) {
		l.head = (l.head + 1) % len(l.buf)
		l.n--
		l.dropped++
	}
	l.buf[(l.head+l.n)%len(l.buf)] = LoggedEvent{Kind: kind, Endpoint: endpoint}
	l.n++
}

// Drain appends every record to dst, oldest first, and empties the log.
func (l *EventLog) Drain(dst []LoggedEvent) []LoggedEvent {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for i := 0; i < l.n; i++ {
		dst = append(dst, l.buf[(l.head+i)%len(l.buf)])
	}
	l.head, l.n = 0, 0
	return dst
}

// Len returns the number of records held.
func (l *EventLog) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.n
}

// Dropped returns how many records were overwritten before being drained.
func (l *EventLog) Dropped() uint64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.dropped
}

// Reset empties the log.
func (l *EventLog) Reset() {
	l.mutex.Lock()
	l.head, l.n = 0, 0
	l.mutex.Unlock()
}
