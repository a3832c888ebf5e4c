package transport

import "sync"

type eventKind int

const (
	eventOpen eventKind = iota
	eventMessage
	eventError
	eventClose
)

type event struct {
	kind eventKind
	msg  Message
	err  error
}

// eventQueue is an unbounded FIFO of session events. Once a close event has
// been pushed the queue is sealed and later pushes are dropped, so nothing
// can be delivered after OnClose.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	sealed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e event) bool {
	q.mu.Lock()
	if q.sealed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	if e.kind == eventClose {
		q.sealed = true
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
