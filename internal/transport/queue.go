package transport

import "sync"

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventReceived
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReceived:
		return "received"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind   EventKind
	Handle Handle
	Data   []byte
}

// Queue carries events from per-connection goroutines to the goroutine that
// services the transport, plus the set of connections waiting for a writable
// notification.
type Queue struct {
	events chan Event

	mu       sync.Mutex
	writable []Handle
	pending  map[Handle]struct{}
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		events:  make(chan Event, size),
		pending: make(map[Handle]struct{}),
	}
}

// Push enqueues ev, blocking while the queue is full. It gives up and returns
// false once done is closed.
func (q *Queue) Push(ev Event, done <-chan struct{}) bool {
	select {
	case q.events <- ev:
		return true
	case <-done:
		return false
	}
}

// TryPush enqueues ev only if there is room.
func (q *Queue) TryPush(ev Event) bool {
	select {
	case q.events <- ev:
		return true
	default:
		return false
	}
}

func (q *Queue) Len() int { return len(q.events) }

// RequestWritable marks h for one OnWritable at the end of the next Dispatch.
// Repeated requests before then collapse into one.
func (q *Queue) RequestWritable(h Handle) {
	if h.IsZero() {
		return
	}
	q.mu.Lock()
	if _, ok := q.pending[h]; !ok {
		q.pending[h] = struct{}{}
		q.writable = append(q.writable, h)
	}
	q.mu.Unlock()
}

func (q *Queue) forget(h Handle) {
	q.mu.Lock()
	if _, ok := q.pending[h]; ok {
		delete(q.pending, h)
		for i, w := range q.writable {
			if w == h {
				q.writable = append(q.writable[:i], q.writable[i+1:]...)
				break
			}
		}
	}
	q.mu.Unlock()
}

// Dispatch delivers the events queued at the time of the call, then one
// OnWritable per connection that asked for it. Writable requests made from
// inside an OnWritable are delivered by the next Dispatch.
func (q *Queue) Dispatch(h Handler) {
	for n := len(q.events); n > 0; n-- {
		ev := <-q.events
		switch ev.Kind {
		case EventConnected:
			h.OnConnected(ev.Handle)
		case EventReceived:
			h.OnReceived(ev.Handle, ev.Data)
		case EventClosed:
			q.forget(ev.Handle)
			h.OnClosed(ev.Handle)
		}
	}

	q.mu.Lock()
	ready := q.writable
	q.writable = nil
	clear(q.pending)
	q.mu.Unlock()

	for _, w := range ready {
		h.OnWritable(w)
	}
}
