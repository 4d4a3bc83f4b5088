// Package memtransport is an in-process transport.Transport for tests.
//
// The test drives the peer side (Connect, Receive, Disconnect) and inspects
// what the server side wrote.
package memtransport

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/transport"
)

// Write is one message handed to Transport.Write.
type Write struct {
	Handle transport.Handle
	Data   string
}

type Transport struct {
	q *transport.Queue

	mu        sync.Mutex
	open      map[transport.Handle]bool
	writeErrs map[transport.Handle]error
	writes    []Write
	closed    []transport.Handle
}

var _ transport.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		q:         transport.NewQueue(256),
		open:      make(map[transport.Handle]bool),
		writeErrs: make(map[transport.Handle]error),
	}
}

// Connect opens a new connection and queues its connected event.
func (t *Transport) Connect() transport.Handle {
	h := transport.NewHandle()
	t.mu.Lock()
	t.open[h] = true
	t.mu.Unlock()
	t.q.Push(transport.Event{Kind: transport.EventConnected, Handle: h}, nil)
	return h
}

// Receive queues inbound data as if the peer had sent it on h.
func (t *Transport) Receive(h transport.Handle, data string) {
	t.q.Push(transport.Event{Kind: transport.EventReceived, Handle: h, Data: []byte(data)}, nil)
}

// Disconnect closes h from the peer side.
func (t *Transport) Disconnect(h transport.Handle) {
	if t.markClosed(h) {
		t.q.Push(transport.Event{Kind: transport.EventClosed, Handle: h}, nil)
	}
}

// FailWrites makes every later Write on h return err.
func (t *Transport) FailWrites(h transport.Handle, err error) {
	t.mu.Lock()
	t.writeErrs[h] = err
	t.mu.Unlock()
}

func (t *Transport) markClosed(h transport.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open[h] {
		return false
	}
	delete(t.open, h)
	return true
}

func (t *Transport) RequestWritable(h transport.Handle) {
	t.q.RequestWritable(h)
}

func (t *Transport) Write(h transport.Handle, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open[h] {
		return transport.ErrUnknownConnection
	}
	if err := t.writeErrs[h]; err != nil {
		return err
	}
	t.writes = append(t.writes, Write{Handle: h, Data: string(data)})
	return nil
}

func (t *Transport) Close(h transport.Handle) error {
	t.mu.Lock()
	t.closed = append(t.closed, h)
	t.mu.Unlock()
	if !t.markClosed(h) {
		return transport.ErrUnknownConnection
	}
	t.q.Push(transport.Event{Kind: transport.EventClosed, Handle: h}, nil)
	return nil
}

func (t *Transport) ServiceNonBlocking(h transport.Handler) {
	t.q.Dispatch(h)
}

// Writes returns every successful write so far.
func (t *Transport) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Write(nil), t.writes...)
}

// WritesTo returns the payloads written to h, in order.
func (t *Transport) WritesTo(h transport.Handle) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, w := range t.writes {
		if w.Handle == h {
			out = append(out, w.Data)
		}
	}
	return out
}

// Closed reports the handles passed to Close, in call order.
func (t *Transport) Closed() []transport.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.Handle(nil), t.closed...)
}

func (t *Transport) IsOpen(h transport.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open[h]
}
