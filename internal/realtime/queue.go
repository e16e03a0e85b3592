package realtime

import "sync"

// Event is one framed SSE message. Data holds the JSON payload.
type Event struct {
	Type string
	Data []byte
}

// eventQueue is a bounded FIFO of pending events for one connection. When
// full, the oldest pending event is discarded to make room.
//
// The signal channel has a buffer of one so that repeated enqueues coalesce
// into a single wake-up for the stream loop.
type eventQueue struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	dropped  int64
	closed   bool
	signal   chan struct{}
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventQueue{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends an event. It reports whether the queue accepted it and
// whether an older event was dropped to make room.
func (q *eventQueue) Enqueue(event Event) (accepted bool, dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, false
	}

	if len(q.events) >= q.capacity {
		q.events[0] = Event{}
		q.events = q.events[1:]
		q.dropped++
		dropped = true
	}
	q.events = append(q.events, event)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true, dropped
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	event := q.events[0]
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return event, true
}

// Wait returns a channel that signals when events may be available. The
// channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *eventQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close releases pending events and wakes the stream loop.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.events = nil
	close(q.signal)
}
