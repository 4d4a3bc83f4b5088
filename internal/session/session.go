// Package session tracks the single live signaling peer and moves
// session-setup messages between it and the media pipeline.
package session

import (
	"errors"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/wire"
)

// DefaultEventQueueSize bounds the local session-setup events buffered
// between two Service calls.
const DefaultEventQueueSize = 64

// Pipeline is the negotiation side of the media pipeline.
type Pipeline interface {
	// RequestOffer starts building an offer for a newly connected peer and
	// returns its generation. The result arrives later through
	// OnLocalDescriptionReady tagged with that generation.
	RequestOffer() uint64
	SetRemoteDescription(kind wire.DescriptionKind, sdp string) error
	AddCandidate(candidate string, mlineIndex int, mid string) error
}

type Config struct {
	MailboxDepth   int
	EventQueueSize int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Session implements transport.Handler. Transport events and Service must be
// driven from one goroutine; the OnLocal* callbacks may be called from any
// goroutine.
type Session struct {
	tr       transport.Transport
	pipeline Pipeline
	mb       *mailbox.Mailbox
	logger   *slog.Logger
	metrics  *metrics.Metrics

	local chan localEvent
	// offerGen is the generation of the last offer requested; local events
	// from older requests belong to a previous peer.
	offerGen uint64
}

type localEvent struct {
	gen uint64
	msg wire.Message
}

var _ transport.Handler = (*Session)(nil)

func New(tr transport.Transport, p Pipeline, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.EventQueueSize
	if size <= 0 {
		size = DefaultEventQueueSize
	}
	return &Session{
		tr:       tr,
		pipeline: p,
		mb: mailbox.New(tr, mailbox.Config{
			Depth:   cfg.MailboxDepth,
			Logger:  logger,
			Metrics: cfg.Metrics,
		}),
		logger:  logger,
		metrics: cfg.Metrics,
		local:   make(chan localEvent, size),
	}
}

// Conn returns the current signaling connection, if any.
func (s *Session) Conn() (transport.Handle, bool) {
	return s.mb.Conn()
}

// Service delivers local session-setup events queued by the pipeline, then
// services the transport once without blocking.
func (s *Session) Service() {
	for n := len(s.local); n > 0; n-- {
		s.stage(<-s.local)
	}
	s.tr.ServiceNonBlocking(s)
}

func (s *Session) stage(ev localEvent) {
	msg := ev.msg
	if ev.gen < s.offerGen {
		s.metrics.Inc(metrics.PipelineEventStale)
		s.logger.Debug("dropping local session-setup message from superseded offer", "gen", ev.gen, "current_gen", s.offerGen, "msg", msg)
		return
	}
	err := s.mb.Stage(msg)
	switch {
	case err == nil:
	case errors.Is(err, mailbox.ErrNoConnection):
		s.logger.Debug("no signaling peer; dropping local session-setup message", "msg", msg)
	default:
		s.logger.Warn("failed to stage signaling message", "msg", msg, "err", err)
	}
}

// OnLocalDescriptionReady queues a local description produced for offer
// generation gen.
func (s *Session) OnLocalDescriptionReady(gen uint64, kind wire.DescriptionKind, sdp string) {
	s.enqueue(gen, wire.Description{Kind: kind, SDP: sdp})
}

// OnLocalCandidateReady queues a local candidate produced for offer
// generation gen.
func (s *Session) OnLocalCandidateReady(gen uint64, candidate string, mlineIndex int, mid string) {
	s.enqueue(gen, wire.Candidate{Candidate: candidate, SDPMLineIndex: mlineIndex, SDPMid: mid})
}

func (s *Session) enqueue(gen uint64, msg wire.Message) {
	select {
	case s.local <- localEvent{gen: gen, msg: msg}:
	default:
		s.metrics.Inc(metrics.PipelineEventDropped)
		s.logger.Warn("local session-setup event queue full; dropping", "msg", msg)
	}
}

func (s *Session) OnConnected(h transport.Handle) {
	s.metrics.Inc(metrics.SignalingConnected)
	if prev, superseded := s.mb.Bind(h); superseded {
		s.metrics.Inc(metrics.SignalingSuperseded)
		s.logger.Info("signaling peer superseded", "conn", h, "prev_conn", prev)
	} else {
		s.logger.Info("signaling peer connected", "conn", h)
	}
	s.offerGen = s.pipeline.RequestOffer()
}

func (s *Session) OnClosed(h transport.Handle) {
	if !s.mb.Unbind(h) {
		s.logger.Debug("stale signaling connection closed", "conn", h)
		return
	}
	s.metrics.Inc(metrics.SignalingClosed)
	s.logger.Info("signaling peer disconnected", "conn", h)
}

func (s *Session) OnReceived(h transport.Handle, data []byte) {
	if cur, ok := s.mb.Conn(); !ok || cur != h {
		s.metrics.Inc(metrics.SignalingStaleInbound)
		s.logger.Debug("ignoring message from stale signaling connection", "conn", h)
		return
	}

	msg, err := wire.Decode(data)
	if err != nil {
		s.metrics.Inc(metrics.SignalingDecodeError)
		s.logger.Warn("dropping malformed signaling message", "conn", h, "len", len(data), "err", err)
		return
	}

	switch m := msg.(type) {
	case wire.Description:
		err = s.pipeline.SetRemoteDescription(m.Kind, m.SDP)
	case wire.Candidate:
		err = s.pipeline.AddCandidate(m.Candidate, m.SDPMLineIndex, m.SDPMid)
	}
	if err != nil {
		s.metrics.Inc(metrics.SignalingPipelineError)
		s.logger.Warn("media pipeline rejected remote session-setup message", "conn", h, "msg", msg, "err", err)
	}
}

func (s *Session) OnWritable(h transport.Handle) {
	err := s.mb.OnWritable(h)
	if err == nil {
		return
	}
	if !errors.Is(err, mailbox.ErrTransportFailure) {
		s.logger.Error("failed to flush signaling message", "conn", h, "err", err)
		return
	}
	s.logger.Warn("signaling write failed; dropping connection", "conn", h, "err", err)
	s.mb.Unbind(h)
	if err := s.tr.Close(h); err != nil && !errors.Is(err, transport.ErrUnknownConnection) {
		s.logger.Debug("close after write failure", "conn", h, "err", err)
	}
}
