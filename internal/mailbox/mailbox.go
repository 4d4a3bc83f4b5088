// Package mailbox holds outbound signaling messages for the current
// connection until the transport reports it can take a write.
package mailbox

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/opt"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/wire"
)

var (
	ErrNoConnection     = errors.New("mailbox: no connection")
	ErrTransportFailure = errors.New("mailbox: transport failure")
)

// DefaultDepth keeps a single slot: staging over an unsent message replaces
// it.
const DefaultDepth = 1

// Writer is the part of transport.Transport the mailbox drives. Write must
// not retain data after it returns.
type Writer interface {
	RequestWritable(h transport.Handle)
	Write(h transport.Handle, data []byte) error
}

type Config struct {
	// Depth is the number of unsent messages kept per connection. With
	// Depth 1 a new message replaces the unsent one; with more, staging into
	// a full mailbox drops the oldest.
	Depth   int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Mailbox is not safe for concurrent use. It is owned by the goroutine that
// services the transport.
type Mailbox struct {
	w       Writer
	depth   int
	logger  *slog.Logger
	metrics *metrics.Metrics

	conn   opt.Value[transport.Handle]
	staged []wire.Message
	buf    []byte
}

func New(w Writer, cfg Config) *Mailbox {
	depth := cfg.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{
		w:       w,
		depth:   depth,
		logger:  logger,
		metrics: cfg.Metrics,
		staged:  make([]wire.Message, 0, depth),
	}
}

func (m *Mailbox) Depth() int { return m.depth }

// Conn returns the connection messages are delivered to.
func (m *Mailbox) Conn() (transport.Handle, bool) {
	return m.conn.Get()
}

// Pending reports how many staged messages are waiting.
func (m *Mailbox) Pending() int { return len(m.staged) }

// Bind directs delivery to h, replacing any previous connection. Messages
// staged for the previous connection are discarded.
func (m *Mailbox) Bind(h transport.Handle) (prev transport.Handle, superseded bool) {
	m.discard("rebind")
	return m.conn.Set(h)
}

// Unbind detaches h if it is the current connection and discards anything
// staged for it. It reports whether h was current.
func (m *Mailbox) Unbind(h transport.Handle) bool {
	cur, ok := m.conn.Get()
	if !ok || cur != h {
		return false
	}
	m.conn.Clear()
	m.discard("unbind")
	return true
}

func (m *Mailbox) discard(reason string) {
	if len(m.staged) == 0 {
		return
	}
	m.metrics.Add(metrics.MailboxSuperseded, uint64(len(m.staged)))
	m.logger.Debug("discarding staged signaling messages", "reason", reason, "count", len(m.staged))
	clear(m.staged)
	m.staged = m.staged[:0]
}

// Stage queues msg for the current connection and asks the transport for a
// writable notification.
func (m *Mailbox) Stage(msg wire.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil", wire.ErrInvalidMessage)
	}
	h, ok := m.conn.Get()
	if !ok {
		m.metrics.Inc(metrics.MailboxNoConnection)
		return ErrNoConnection
	}

	if len(m.staged) == m.depth {
		dropped := m.staged[0]
		copy(m.staged, m.staged[1:])
		m.staged = m.staged[:len(m.staged)-1]
		m.metrics.Inc(metrics.MailboxSuperseded)
		m.logger.Debug("signaling message superseded before send", "conn", h, "dropped", dropped, "staged", msg)
	}
	m.staged = append(m.staged, msg)
	m.metrics.Inc(metrics.MailboxStaged)

	m.w.RequestWritable(h)
	return nil
}

// OnWritable sends the oldest staged message if h is the current connection.
// It is a no-op for any other handle or when nothing is staged.
func (m *Mailbox) OnWritable(h transport.Handle) error {
	cur, ok := m.conn.Get()
	if !ok || cur != h || len(m.staged) == 0 {
		return nil
	}

	msg := m.staged[0]
	copy(m.staged, m.staged[1:])
	m.staged[len(m.staged)-1] = nil
	m.staged = m.staged[:len(m.staged)-1]

	buf, err := wire.AppendEncode(m.buf[:0], msg)
	if err != nil {
		return err
	}
	m.buf = buf

	if err := m.w.Write(h, buf); err != nil {
		m.metrics.Inc(metrics.MailboxWriteFailed)
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	m.metrics.Inc(metrics.MailboxFlushed)

	if len(m.staged) > 0 {
		m.w.RequestWritable(h)
	}
	return nil
}
