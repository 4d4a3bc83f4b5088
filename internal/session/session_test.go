package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/transport/memtransport"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/wire"
)

type remoteDesc struct {
	kind wire.DescriptionKind
	sdp  string
}

type fakePipeline struct {
	mu         sync.Mutex
	offers     int
	remote     []remoteDesc
	candidates []wire.Candidate
	err        error
}

func (p *fakePipeline) RequestOffer() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return uint64(p.offers)
}

func (p *fakePipeline) SetRemoteDescription(kind wire.DescriptionKind, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, remoteDesc{kind, sdp})
	return p.err
}

func (p *fakePipeline) AddCandidate(c string, idx int, mid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, wire.Candidate{Candidate: c, SDPMLineIndex: idx, SDPMid: mid})
	return p.err
}

type harness struct {
	tr *memtransport.Transport
	p  *fakePipeline
	m  *metrics.Metrics
	s  *Session
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{tr: memtransport.New(), p: &fakePipeline{}, m: metrics.New()}
	cfg.Metrics = h.m
	h.s = New(h.tr, h.p, cfg)
	return h
}

func (h *harness) connect() transport.Handle {
	c := h.tr.Connect()
	h.s.Service()
	return c
}

func TestSession_ConnectRequestsOfferAndSendsIt(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()
	assert.Equal(t, 1, h.p.offers)

	cur, ok := h.s.Conn()
	require.True(t, ok)
	assert.Equal(t, c, cur)

	h.s.OnLocalDescriptionReady(1, wire.KindOffer, "v=0\r\n")
	h.s.Service()
	assert.Equal(t, []string{`{"type":"offer","sdp":"v=0\r\n"}`}, h.tr.WritesTo(c))
}

func TestSession_AnswerForwardedOnce(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()

	h.tr.Receive(c, `{"type":"answer","sdp":"v=0..."}`)
	h.s.Service()
	h.s.Service()

	assert.Equal(t, []remoteDesc{{wire.KindAnswer, "v=0..."}}, h.p.remote)
	assert.Empty(t, h.p.candidates)
}

func TestSession_RemoteCandidateForwarded(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()

	h.tr.Receive(c, `{"type":"ice","candidate":"candidate:2 1 udp 1 10.0.0.9 9 typ host","sdpMLineIndex":0}`)
	h.s.Service()

	assert.Equal(t, []wire.Candidate{{Candidate: "candidate:2 1 udp 1 10.0.0.9 9 typ host", SDPMLineIndex: 0, SDPMid: "0"}}, h.p.candidates)
}

func TestSession_LocalCandidateWireFormat(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()

	h.s.OnLocalCandidateReady(1, "candidate:1 ...", 0, "0")
	h.s.Service()

	assert.Equal(t, []string{`{"type":"ice","candidate":"candidate:1 ...","sdpMLineIndex":0,"sdpMid":"0"}`}, h.tr.WritesTo(c))
}

func TestSession_SecondConnectSupersedesFirst(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.connect()

	h.s.OnLocalDescriptionReady(1, wire.KindOffer, "for-first")
	second := h.tr.Connect()
	h.s.Service()

	cur, ok := h.s.Conn()
	require.True(t, ok)
	assert.Equal(t, second, cur)
	assert.Empty(t, h.tr.WritesTo(first))
	assert.Empty(t, h.tr.WritesTo(second))
	assert.Equal(t, 2, h.p.offers)
	assert.Equal(t, uint64(1), h.m.Get(metrics.SignalingSuperseded))
	assert.True(t, h.tr.IsOpen(first), "superseded connection is not closed")

	h.tr.Receive(first, `{"type":"answer","sdp":"stale"}`)
	h.s.Service()
	assert.Empty(t, h.p.remote)
	assert.Equal(t, uint64(1), h.m.Get(metrics.SignalingStaleInbound))

	h.tr.Disconnect(first)
	h.s.Service()
	cur, ok = h.s.Conn()
	require.True(t, ok)
	assert.Equal(t, second, cur)
}

func TestSession_OfferForPreviousPeerIsDropped(t *testing.T) {
	h := newHarness(t, Config{MailboxDepth: 8})
	h.connect()

	// The first peer's offer lands after the second peer connected.
	second := h.tr.Connect()
	h.s.Service()
	h.s.OnLocalDescriptionReady(1, wire.KindOffer, "for-first")
	h.s.OnLocalCandidateReady(1, "stale", 0, "0")
	h.s.OnLocalDescriptionReady(2, wire.KindOffer, "for-second")
	h.s.Service()
	h.s.Service()

	assert.Equal(t, []string{`{"type":"offer","sdp":"for-second"}`}, h.tr.WritesTo(second))
	assert.Equal(t, uint64(2), h.m.Get(metrics.PipelineEventStale))
}

func TestSession_CloseDiscardsStaged(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()

	h.s.OnLocalDescriptionReady(1, wire.KindOffer, "x")
	h.tr.Disconnect(c)
	h.s.Service()

	_, ok := h.s.Conn()
	assert.False(t, ok)
	assert.Empty(t, h.tr.Writes())
	assert.Equal(t, uint64(1), h.m.Get(metrics.SignalingClosed))
}

func TestSession_LocalEventWithoutPeerIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	h.s.OnLocalDescriptionReady(0, wire.KindOffer, "x")
	h.s.Service()

	assert.Empty(t, h.tr.Writes())
	assert.Equal(t, uint64(1), h.m.Get(metrics.MailboxNoConnection))
}

func TestSession_MalformedInboundIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()

	h.tr.Receive(c, `{"sdp":"no type"}`)
	h.tr.Receive(c, `not even close`)
	h.tr.Receive(c, `{"type":"offer","sdp":"ok"}`)
	h.s.Service()

	assert.Equal(t, []remoteDesc{{wire.KindOffer, "ok"}}, h.p.remote)
	assert.Equal(t, uint64(2), h.m.Get(metrics.SignalingDecodeError))
	_, ok := h.s.Conn()
	assert.True(t, ok)
}

func TestSession_PipelineErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()
	h.p.err = errors.New("bad sdp")

	h.tr.Receive(c, `{"type":"answer","sdp":"x"}`)
	h.tr.Receive(c, `{"type":"ice","candidate":"y"}`)
	h.s.Service()

	assert.Len(t, h.p.remote, 1)
	assert.Len(t, h.p.candidates, 1)
	assert.Equal(t, uint64(2), h.m.Get(metrics.SignalingPipelineError))
	_, ok := h.s.Conn()
	assert.True(t, ok)
}

func TestSession_WriteFailureDropsConnection(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()
	h.tr.FailWrites(c, errors.New("broken pipe"))

	h.s.OnLocalDescriptionReady(1, wire.KindOffer, "x")
	h.s.Service()

	_, ok := h.s.Conn()
	assert.False(t, ok)
	assert.Equal(t, []transport.Handle{c}, h.tr.Closed())

	// The closed event for the dropped connection is stale by now.
	h.s.Service()
	assert.Zero(t, h.m.Get(metrics.SignalingClosed))
}

func TestSession_EventQueueOverflow(t *testing.T) {
	h := newHarness(t, Config{EventQueueSize: 2})
	c := h.connect()

	h.s.OnLocalCandidateReady(1, "a", 0, "0")
	h.s.OnLocalCandidateReady(1, "b", 0, "0")
	h.s.OnLocalCandidateReady(1, "c", 0, "0")
	assert.Equal(t, uint64(1), h.m.Get(metrics.PipelineEventDropped))

	h.s.Service()
	// Single-slot mailbox: only the last staged message goes out.
	assert.Equal(t, []string{`{"type":"ice","candidate":"b","sdpMLineIndex":0,"sdpMid":"0"}`}, h.tr.WritesTo(c))
}

func TestSession_QueuedMailboxKeepsCandidates(t *testing.T) {
	h := newHarness(t, Config{MailboxDepth: 8})
	c := h.connect()

	h.s.OnLocalDescriptionReady(1, wire.KindOffer, "o")
	h.s.OnLocalCandidateReady(1, "a", 0, "0")
	h.s.OnLocalCandidateReady(1, "b", 0, "0")
	for i := 0; i < 3; i++ {
		h.s.Service()
	}

	assert.Equal(t, []string{
		`{"type":"offer","sdp":"o"}`,
		`{"type":"ice","candidate":"a","sdpMLineIndex":0,"sdpMid":"0"}`,
		`{"type":"ice","candidate":"b","sdpMLineIndex":0,"sdpMid":"0"}`,
	}, h.tr.WritesTo(c))
}

func TestSession_CallbacksFromManyGoroutines(t *testing.T) {
	h := newHarness(t, Config{EventQueueSize: 128, MailboxDepth: 128})
	c := h.connect()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.s.OnLocalCandidateReady(1, "c", 0, "0")
		}()
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		h.s.Service()
	}
	assert.Len(t, h.tr.WritesTo(c), 16)
}
