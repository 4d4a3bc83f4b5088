package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/transport"
)

const (
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultWriteTimeout         = time.Second
	DefaultEventQueueSize       = 64
)

type Config struct {
	// Origins decides which browser origins may connect. Nil allows only
	// same-host origins.
	Origins *origin.Policy

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// IdleTimeout closes a connection that has sent nothing, not even a
	// pong, for this long.
	IdleTimeout  time.Duration
	PingInterval time.Duration
	// WriteTimeout bounds each outbound write. Writes run on the servicing
	// goroutine, so this is also the longest a slow peer can stall it.
	WriteTimeout   time.Duration
	EventQueueSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Origins == nil {
		c.Origins = origin.NewPolicy(nil)
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = min(DefaultPingInterval, c.IdleTimeout/2)
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = DefaultEventQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server accepts signaling WebSocket connections and exposes them as a
// transport.Transport. ServiceNonBlocking, Write and RequestWritable are meant
// to be called from a single servicing goroutine; ServeHTTP runs on HTTP
// server goroutines.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	queue    *transport.Queue

	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	conns    map[transport.Handle]*conn
	shutdown bool
}

var (
	_ transport.Transport = (*Server)(nil)
	_ http.Handler        = (*Server)(nil)
)

type conn struct {
	h  transport.Handle
	ws *websocket.Conn

	// writeMu serializes data frames; control frames may be written
	// concurrently.
	writeMu   sync.Mutex
	closeOnce sync.Once
	stop      chan struct{}
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Checked in ServeHTTP before upgrading so the rejection is a
			// plain 403.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		queue: transport.NewQueue(cfg.EventQueueSize),
		done:  make(chan struct{}),
		conns: make(map[transport.Handle]*conn),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if o, ok := s.cfg.Origins.AllowRequest(r); !ok {
		s.cfg.Metrics.Inc(metrics.SignalingOriginRejected)
		s.cfg.Logger.Warn("rejecting signaling connection", "origin", r.Header.Get("Origin"), "host", r.Host, "normalized_origin", o.String())
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}

	c := &conn{h: transport.NewHandle(), ws: ws, stop: make(chan struct{})}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		closeWith(ws, websocket.CloseGoingAway, "shutting down")
		_ = ws.Close()
		return
	}
	s.conns[c.h] = c
	s.mu.Unlock()

	logger := s.cfg.Logger.With("conn", c.h.String(), "remote_addr", r.RemoteAddr)
	logger.Debug("signaling connection opened")

	if !s.queue.Push(transport.Event{Kind: transport.EventConnected, Handle: c.h}, s.done) {
		s.drop(c)
		return
	}

	go s.keepalive(c, logger)
	s.read(c, logger)

	s.drop(c)
	// Delivered even during shutdown if there is room, so the session can
	// unbind.
	if !s.queue.Push(transport.Event{Kind: transport.EventClosed, Handle: c.h}, s.done) &&
		!s.queue.TryPush(transport.Event{Kind: transport.EventClosed, Handle: c.h}) {
		s.cfg.Metrics.Inc(metrics.SignalingEventDropped)
		logger.Warn("signaling event queue full during shutdown; dropping closed event")
	}
	logger.Debug("signaling connection closed")
}

func (s *Server) read(c *conn, logger *slog.Logger) {
	ws := c.ws
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	extend := func() {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				logger.Warn("signaling message too large", "limit", s.cfg.MaxMessageBytes)
			case isTimeout(err):
				logger.Info("signaling connection idle", "timeout", s.cfg.IdleTimeout)
				closeWith(ws, websocket.CloseGoingAway, "idle timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Debug("signaling read failed", "err", err)
			}
			return
		}
		extend()

		// The rate limit applies after the read so bytes already buffered are
		// consumed and the peer sees the close frame rather than a reset.
		if !limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.SignalingRateLimited)
			logger.Warn("signaling rate limit exceeded", "limit_per_second", s.cfg.MaxMessagesPerSecond)
			closeWith(ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			closeWith(ws, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !s.queue.Push(transport.Event{Kind: transport.EventReceived, Handle: c.h, Data: data}, s.done) {
			return
		}
	}
}

func (s *Server) keepalive(c *conn, logger *slog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				logger.Debug("signaling ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) lookup(h transport.Handle) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[h]
	return c, ok
}

// drop forgets c and closes its socket. The reader goroutine then exits and
// reports the closed event.
func (s *Server) drop(c *conn) {
	s.mu.Lock()
	if s.conns[c.h] == c {
		delete(s.conns, c.h)
	}
	s.mu.Unlock()
	c.closeOnce.Do(func() {
		close(c.stop)
		_ = c.ws.Close()
	})
}

func (s *Server) RequestWritable(h transport.Handle) {
	s.queue.RequestWritable(h)
}

func (s *Server) Write(h transport.Handle, data []byte) error {
	c, ok := s.lookup(h)
	if !ok {
		return transport.ErrUnknownConnection
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("signaling write to %s: %w", h, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling write to %s: %w", h, err)
	}
	return nil
}

// Close sends a normal close frame to h and closes it. The closed event
// follows through ServiceNonBlocking.
func (s *Server) Close(h transport.Handle) error {
	c, ok := s.lookup(h)
	if !ok {
		return transport.ErrUnknownConnection
	}
	closeWith(c.ws, websocket.CloseNormalClosure, "")
	s.drop(c)
	return nil
}

func (s *Server) ServiceNonBlocking(h transport.Handler) {
	s.queue.Dispatch(h)
}

// Len reports the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll closes every connection, refuses new ones and waits for the
// connection goroutines to exit.
func (s *Server) CloseAll() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.shutdown = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	close(s.done)
	for _, c := range conns {
		closeWith(c.ws, websocket.CloseGoingAway, "shutting down")
		s.drop(c)
	}
	s.wg.Wait()
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(DefaultWriteTimeout))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
