// Package pipeline encodes submitted frames onto a VP8 track and negotiates
// that track with one remote peer at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/wire"
)

var (
	// ErrSubmitFailed is returned when a frame cannot be accepted. The frame
	// is dropped; the caller keeps its cadence.
	ErrSubmitFailed = errors.New("pipeline: frame submit failed")
	ErrClosed       = errors.New("pipeline: closed")
	// ErrNoPeer is returned by negotiation calls made before any offer exists.
	ErrNoPeer = errors.New("pipeline: no peer connection")
	// ErrSuperseded is returned when a newer offer request replaced this one.
	ErrSuperseded = errors.New("pipeline: offer superseded")
)

const (
	DefaultICEGatheringTimeout = 2 * time.Second
	// DefaultOfferTimeout bounds an offer started by RequestOffer.
	DefaultOfferTimeout = 10 * time.Second

	trackID  = "video"
	streamID = "aero-render-stream"
)

// Encoder turns RGBA frames into VP8 frames. Encode is only called from the
// pipeline's worker goroutine. A nil result with no error means the encoder
// produced nothing for this frame.
type Encoder interface {
	Encode(rgba []byte, width, height int) ([]byte, error)
	Close() error
}

// KeyFrameForcer is implemented by encoders that can emit a keyframe on
// request. The remote peer asks for one with PLI or FIR after loss or when
// it joins mid-stream.
type KeyFrameForcer interface {
	ForceKeyFrame() error
}

type Config struct {
	Width  int
	Height int
	FPS    float64

	ICEServers          []webrtc.ICEServer
	ICEGatheringTimeout time.Duration
	// TrickleICE sends the offer as soon as it exists and reports local
	// candidates as they are gathered. Otherwise the offer waits for
	// gathering and carries every candidate.
	TrickleICE bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type frame struct {
	data []byte
	pts  int64
}

// Pipeline is safe for concurrent use. Local descriptions and candidates are
// reported through the callbacks registered with OnLocalDescription and
// OnLocalCandidate, from pion or pipeline goroutines. Each report carries the
// generation of the offer request it belongs to.
type Pipeline struct {
	api     *webrtc.API
	cfg     Config
	enc     Encoder
	logger  *slog.Logger
	metrics *metrics.Metrics

	track      *webrtc.TrackLocalStaticSample
	frameBytes int
	interval   time.Duration

	// Two buffers circulate between free and frames: one being encoded and
	// one waiting. frames holds at most one.
	free     chan []byte
	frames   chan frame
	forceKey atomic.Bool

	closed     atomic.Bool
	done       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once

	// offerMu serializes offer creation; offerGen lets a newer RequestOffer
	// supersede one still waiting for offerMu.
	offerMu  sync.Mutex
	offerGen atomic.Uint64

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	peer        *peer
	onLocalDesc func(gen uint64, kind wire.DescriptionKind, sdp string)
	onLocalCand func(gen uint64, candidate string, mlineIndex int, mid string)
}

// peer holds per-connection candidate ordering state: trickled candidates
// must not reach the remote side before the offer they belong to.
type peer struct {
	gen uint64

	mu      sync.Mutex
	emitted bool
	pending []webrtc.ICECandidateInit
}

func New(api *webrtc.API, enc Encoder, cfg Config) (*Pipeline, error) {
	if api == nil {
		return nil, errors.New("pipeline: nil webrtc API")
	}
	if enc == nil {
		return nil, errors.New("pipeline: nil encoder")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("pipeline: invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if !(cfg.FPS > 0) || math.IsInf(cfg.FPS, 0) || float64(time.Second)/cfg.FPS >= math.MaxInt64 {
		return nil, fmt.Errorf("pipeline: invalid fps %v", cfg.FPS)
	}
	if cfg.ICEGatheringTimeout <= 0 {
		cfg.ICEGatheringTimeout = DefaultICEGatheringTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		trackID,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: new track: %w", err)
	}

	frameBytes := cfg.Width * cfg.Height * 4
	p := &Pipeline{
		api:        api,
		cfg:        cfg,
		enc:        enc,
		logger:     logger,
		metrics:    cfg.Metrics,
		track:      track,
		frameBytes: frameBytes,
		interval:   time.Duration(math.Round(float64(time.Second) / cfg.FPS)),
		free:       make(chan []byte, 2),
		frames:     make(chan frame, 1),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	p.free <- make([]byte, frameBytes)
	p.free <- make([]byte, frameBytes)

	go p.run()
	return p, nil
}

// OnLocalDescription registers the callback for locally created session
// descriptions.
func (p *Pipeline) OnLocalDescription(fn func(gen uint64, kind wire.DescriptionKind, sdp string)) {
	p.mu.Lock()
	p.onLocalDesc = fn
	p.mu.Unlock()
}

// OnLocalCandidate registers the callback for trickled local ICE candidates.
func (p *Pipeline) OnLocalCandidate(fn func(gen uint64, candidate string, mlineIndex int, mid string)) {
	p.mu.Lock()
	p.onLocalCand = fn
	p.mu.Unlock()
}

// SubmitFrame copies an RGBA frame into the encoder inbox. It never blocks:
// if the worker still has a frame waiting the new one is dropped.
func (p *Pipeline) SubmitFrame(buf []byte, ptsNanos int64) error {
	if p.closed.Load() {
		return fmt.Errorf("%w: %w", ErrSubmitFailed, ErrClosed)
	}
	if len(buf) < p.frameBytes {
		return fmt.Errorf("%w: frame is %d bytes, want %d", ErrSubmitFailed, len(buf), p.frameBytes)
	}

	var slot []byte
	select {
	case slot = <-p.free:
	default:
		return fmt.Errorf("%w: encoder busy", ErrSubmitFailed)
	}
	copy(slot, buf[:p.frameBytes])

	select {
	case p.frames <- frame{data: slot, pts: ptsNanos}:
		return nil
	default:
		p.free <- slot
		return fmt.Errorf("%w: encoder busy", ErrSubmitFailed)
	}
}

func (p *Pipeline) run() {
	defer close(p.workerDone)

	var lastPTS int64
	havePTS := false
	for {
		select {
		case <-p.done:
			return
		case f := <-p.frames:
			duration := p.interval
			if havePTS && f.pts > lastPTS {
				duration = time.Duration(f.pts - lastPTS)
			}
			lastPTS, havePTS = f.pts, true

			p.encode(f.data, duration)
			p.free <- f.data
		}
	}
}

func (p *Pipeline) encode(rgba []byte, duration time.Duration) {
	if p.forceKey.Swap(false) {
		if kf, ok := p.enc.(KeyFrameForcer); ok {
			if err := kf.ForceKeyFrame(); err != nil {
				p.logger.Debug("force keyframe failed", "err", err)
			}
		}
	}

	data, err := p.enc.Encode(rgba, p.cfg.Width, p.cfg.Height)
	if err != nil {
		p.metrics.Inc(metrics.FrameEncodeFailed)
		p.logger.Debug("encode failed", "err", err)
		return
	}
	if len(data) == 0 {
		return
	}
	if err := p.track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
		p.metrics.Inc(metrics.SampleWriteFailed)
		p.logger.Debug("write sample failed", "err", err)
		return
	}
	p.metrics.Inc(metrics.FrameEncoded)
}

// RequestOffer starts CreateOffer in the background and reports the result
// through the OnLocalDescription callback, tagged with the returned
// generation. A later request supersedes an earlier one that has not
// installed its peer connection yet.
func (p *Pipeline) RequestOffer() uint64 {
	gen := p.offerGen.Add(1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultOfferTimeout)
		defer cancel()
		if _, err := p.createOffer(ctx, gen); err != nil && !errors.Is(err, ErrSuperseded) {
			p.metrics.Inc(metrics.OfferFailed)
			p.logger.Warn("create offer failed", "err", err)
		}
	}()
	return gen
}

// CreateOffer replaces any existing peer connection with a new one carrying
// the video track and returns its offer SDP. The offer is also reported
// through the OnLocalDescription callback. It fails with ErrSuperseded if
// another offer was requested while this one was being built; the current
// peer connection is then left in place.
func (p *Pipeline) CreateOffer(ctx context.Context) (string, error) {
	sdp, err := p.createOffer(ctx, p.offerGen.Add(1))
	if err != nil && !errors.Is(err, ErrSuperseded) {
		p.metrics.Inc(metrics.OfferFailed)
	}
	return sdp, err
}

func (p *Pipeline) createOffer(ctx context.Context, gen uint64) (string, error) {
	p.offerMu.Lock()
	defer p.offerMu.Unlock()

	if p.offerGen.Load() != gen {
		return "", ErrSuperseded
	}

	pc, pr, sdp, err := p.newPeer(ctx, gen)
	if err != nil {
		return "", err
	}

	onDesc, err := p.install(pc, pr)
	if err != nil {
		return "", err
	}

	p.metrics.Inc(metrics.OfferCreated)
	if onDesc != nil {
		onDesc(gen, wire.KindOffer, sdp)
	}
	p.flushCandidates(pr)
	return sdp, nil
}

// install makes pc the current peer connection and closes the previous one.
// If pr's offer request has been superseded, pc is closed instead and the
// current connection is kept.
func (p *Pipeline) install(pc *webrtc.PeerConnection, pr *peer) (func(uint64, wire.DescriptionKind, string), error) {
	p.mu.Lock()
	var err error
	switch {
	case p.closed.Load():
		err = ErrClosed
	case p.offerGen.Load() != pr.gen:
		err = ErrSuperseded
	}
	if err != nil {
		p.mu.Unlock()
		_ = pc.Close()
		return nil, err
	}
	old := p.pc
	p.pc, p.peer = pc, pr
	onDesc := p.onLocalDesc
	p.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			p.logger.Debug("close previous peer connection", "err", err)
		}
	}
	return onDesc, nil
}

func (p *Pipeline) newPeer(ctx context.Context, gen uint64) (*webrtc.PeerConnection, *peer, string, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		p.metrics.Inc(metrics.PeerConnectionFailed)
		return nil, nil, "", fmt.Errorf("new peer connection: %w", err)
	}
	p.metrics.Inc(metrics.PeerConnectionCreated)

	fail := func(err error) (*webrtc.PeerConnection, *peer, string, error) {
		_ = pc.Close()
		return nil, nil, "", err
	}

	sender, err := pc.AddTrack(p.track)
	if err != nil {
		return fail(fmt.Errorf("add track: %w", err))
	}
	go p.readRTCP(sender)

	pr := &peer{gen: gen}
	if p.cfg.TrickleICE {
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			p.trickle(pr, c.ToJSON())
		})
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("peer connection state", "state", state.String())
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}

	if !p.cfg.TrickleICE {
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ICEGatheringTimeout)
		select {
		case <-gatherComplete:
		case <-waitCtx.Done():
			p.logger.Debug("ice gathering incomplete; sending offer with candidates so far")
		}
		cancel()
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	local := pc.LocalDescription()
	if local == nil {
		return fail(errors.New("missing local description"))
	}
	return pc, pr, local.SDP, nil
}

func (p *Pipeline) trickle(pr *peer, c webrtc.ICECandidateInit) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if !pr.emitted {
		pr.pending = append(pr.pending, c)
		return
	}
	p.emitCandidate(pr, c)
}

func (p *Pipeline) flushCandidates(pr *peer) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.emitted = true
	for _, c := range pr.pending {
		p.emitCandidate(pr, c)
	}
	pr.pending = nil
}

func (p *Pipeline) emitCandidate(pr *peer, c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onLocalCand
	stale := p.peer != pr
	p.mu.Unlock()
	if fn == nil || stale {
		return
	}
	mid := wire.DefaultMid
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := 0
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	fn(pr.gen, c.Candidate, idx, mid)
}

func (p *Pipeline) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.forceKey.Store(true)
				p.metrics.Inc(metrics.KeyFrameRequested)
			}
		}
	}
}

func (p *Pipeline) current() (*webrtc.PeerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if p.pc == nil {
		return nil, ErrNoPeer
	}
	return p.pc, nil
}

func sdpType(kind wire.DescriptionKind) (webrtc.SDPType, error) {
	switch kind {
	case wire.KindOffer:
		return webrtc.SDPTypeOffer, nil
	case wire.KindAnswer:
		return webrtc.SDPTypeAnswer, nil
	case wire.KindPranswer:
		return webrtc.SDPTypePranswer, nil
	case wire.KindRollback:
		return webrtc.SDPTypeRollback, nil
	default:
		return webrtc.SDPTypeUnknown, fmt.Errorf("unsupported description kind %q", kind)
	}
}

// SetRemoteDescription applies the remote peer's description to the current
// peer connection.
func (p *Pipeline) SetRemoteDescription(kind wire.DescriptionKind, sdp string) error {
	pc, err := p.current()
	if err != nil {
		return err
	}
	typ, err := sdpType(kind)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		p.metrics.Inc(metrics.RemoteDescriptionFailed)
		return fmt.Errorf("set remote %s: %w", kind, err)
	}
	return nil
}

// AddCandidate adds a remote ICE candidate. An empty candidate marks the end
// of remote candidates.
func (p *Pipeline) AddCandidate(candidate string, mlineIndex int, mid string) error {
	if mlineIndex < 0 || mlineIndex > math.MaxUint16 {
		return fmt.Errorf("sdpMLineIndex %d out of range", mlineIndex)
	}
	pc, err := p.current()
	if err != nil {
		return err
	}
	idx := uint16(mlineIndex)
	init := webrtc.ICECandidateInit{Candidate: candidate, SDPMLineIndex: &idx}
	if mid != "" {
		init.SDPMid = &mid
	}
	if err := pc.AddICECandidate(init); err != nil {
		p.metrics.Inc(metrics.ICECandidateFailed)
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// ConnectionState reports the current peer connection's state, or New when
// there is none.
func (p *Pipeline) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return webrtc.PeerConnectionStateNew
	}
	return p.pc.ConnectionState()
}

// Close stops the encoder worker and closes the peer connection. It is safe
// to call more than once.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed.Store(true)
		pc := p.pc
		p.pc, p.peer = nil, nil
		p.mu.Unlock()

		close(p.done)
		<-p.workerDone

		if pc != nil {
			err = pc.Close()
		}
		if encErr := p.enc.Close(); encErr != nil {
			err = errors.Join(err, encErr)
		}
	})
	return err
}
