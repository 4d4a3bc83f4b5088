package metrics

import "sync"

// Event names shared by the streaming loop, the signaling session and the
// media pipeline.
const (
	TickTotal               = "cadence_tick"
	TickLate                = "cadence_tick_late"
	FrameSubmitted          = "frame_submitted"
	FrameCaptureSkipped     = "frame_capture_skipped"
	FrameSubmitFailed       = "frame_submit_failed"
	FrameEncoded            = "frame_encoded"
	FrameEncodeFailed       = "frame_encode_failed"
	SignalingConnected      = "signaling_connected"
	SignalingSuperseded     = "signaling_superseded"
	SignalingClosed         = "signaling_closed"
	SignalingDecodeError    = "signaling_decode_error"
	SignalingStaleInbound   = "signaling_stale_inbound"
	SignalingPipelineError  = "signaling_pipeline_error"
	SignalingRateLimited    = "signaling_rate_limited"
	SignalingEventDropped   = "signaling_event_dropped"
	SignalingOriginRejected = "signaling_origin_rejected"
	MailboxStaged           = "mailbox_staged"
	MailboxSuperseded       = "mailbox_superseded"
	MailboxFlushed          = "mailbox_flushed"
	MailboxNoConnection     = "mailbox_no_connection"
	MailboxWriteFailed      = "mailbox_write_failed"
	PipelineEventDropped    = "pipeline_event_dropped"
	PipelineEventStale      = "pipeline_event_stale"
	PeerConnectionCreated   = "peer_connection_created"
	PeerConnectionFailed    = "peer_connection_failed"
	OfferCreated            = "offer_created"
	OfferFailed             = "offer_failed"
	SampleWriteFailed       = "frame_sample_write_failed"
	KeyFrameRequested       = "keyframe_requested"
	ICECandidateFailed      = "ice_candidate_failed"
	RemoteDescriptionFailed = "remote_description_failed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards everything, so components can take one
// optionally.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
