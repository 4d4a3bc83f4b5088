package cadence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/cadence"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/transport/memtransport"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/wire"
)

type stepClock struct{ now int64 }

func (c *stepClock) Now() int64                              { return c.now }
func (c *stepClock) Sleep(_ context.Context, d time.Duration) { c.now += int64(d) }

type pipelineStub struct {
	frames  int
	remote  []string
	gen     uint64
	onOffer func(gen uint64)
}

func (p *pipelineStub) SubmitFrame([]byte, int64) error {
	p.frames++
	return nil
}

func (p *pipelineStub) RequestOffer() uint64 {
	p.gen++
	if p.onOffer != nil {
		p.onOffer(p.gen)
	}
	return p.gen
}

func (p *pipelineStub) SetRemoteDescription(kind wire.DescriptionKind, sdp string) error {
	p.remote = append(p.remote, string(kind)+":"+sdp)
	return nil
}

func (p *pipelineStub) AddCandidate(string, int, string) error { return nil }

type blankSource struct{}

func (blankSource) Produce(w, h int) ([]byte, error) { return make([]byte, w*h*4), nil }

func TestLoop_SignalingFlowsWhileFramesTick(t *testing.T) {
	tr := memtransport.New()
	m := metrics.New()
	p := &pipelineStub{}
	sess := session.New(tr, p, session.Config{Metrics: m})
	p.onOffer = func(gen uint64) { sess.OnLocalDescriptionReady(gen, wire.KindOffer, "v=0") }

	s, err := cadence.New(cadence.Config{FPS: 30, Width: 2, Height: 2, Clock: &stepClock{}, Metrics: m}, blankSource{}, p, sess)
	require.NoError(t, err)

	ctx := context.Background()
	tick := func() {
		for !s.Step(ctx) {
		}
	}

	peer := tr.Connect()
	tick() // connect; the offer is queued
	tick() // offer staged and flushed
	assert.Equal(t, []string{`{"type":"offer","sdp":"v=0"}`}, tr.WritesTo(peer))

	tr.Receive(peer, `{"sdp":"missing type"}`)
	tr.Receive(peer, `{"type":"answer","sdp":"v=0 answer"}`)
	tick()
	tick()

	assert.Equal(t, []string{"answer:v=0 answer"}, p.remote)
	assert.Equal(t, uint64(1), m.Get(metrics.SignalingDecodeError))
	assert.Equal(t, 4, p.frames)
	assert.Equal(t, uint64(4), s.Ticks())
}
