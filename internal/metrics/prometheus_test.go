package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(FrameSubmitted)
	m.Add(MailboxSuperseded, 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "# TYPE aero_webrtc_render_stream_events_total counter")
	assert.Contains(t, body, `aero_webrtc_render_stream_events_total{event="mailbox_superseded"} 2`)
	assert.Contains(t, body, `aero_webrtc_render_stream_events_total{event="frame_submitted"} 1`)
	assert.Contains(t, body, `aero_webrtc_render_stream_events_total{event="quote\"back\\slash"} 1`)
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc("x")
	assert.Zero(t, m.Get("x"))
	assert.Empty(t, m.Snapshot())
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := New()
	m.Inc("a")
	snap := m.Snapshot()
	snap["a"] = 100
	assert.Equal(t, uint64(1), m.Get("a"))
}
