// Package transport defines the connection-oriented, readiness-driven
// transport the signaling session runs on.
//
// Connections are identified by opaque Handles. I/O is surfaced as events
// that the owner pulls by calling ServiceNonBlocking from its own goroutine,
// so handlers never run concurrently with each other.
package transport

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrUnknownConnection = errors.New("transport: unknown connection")
	ErrClosed            = errors.New("transport: closed")
)

// Handle identifies one connection for its lifetime. The zero Handle never
// refers to a connection.
type Handle struct {
	id uuid.UUID
}

func NewHandle() Handle {
	return Handle{id: uuid.New()}
}

func (h Handle) IsZero() bool { return h.id == uuid.Nil }

func (h Handle) String() string {
	if h.IsZero() {
		return "none"
	}
	return h.id.String()
}

// Handler receives transport events. Calls are made from within
// ServiceNonBlocking on the caller's goroutine.
type Handler interface {
	OnConnected(h Handle)
	OnClosed(h Handle)
	OnReceived(h Handle, data []byte)
	// OnWritable reports that h can accept one Write.
	OnWritable(h Handle)
}

type Transport interface {
	// RequestWritable asks for an OnWritable(h) during a later service call.
	RequestWritable(h Handle)
	Write(h Handle, data []byte) error
	// Close shuts h down. OnClosed(h) follows during a later service call.
	Close(h Handle) error
	// ServiceNonBlocking dispatches the events that are ready now and returns
	// without waiting for more.
	ServiceNonBlocking(Handler)
}
