package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/pipeline"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/wire"
)

type countingEncoder struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (e *countingEncoder) Encode(rgba []byte, width, height int) ([]byte, error) {
	e.mu.Lock()
	e.frames++
	e.mu.Unlock()
	return []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, nil
}

func (e *countingEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *countingEncoder) stats() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames, e.closed
}

func TestAppStreamsOfferToViewer(t *testing.T) {
	cfg, err := config.Load([]string{
		"--width", "64",
		"--height", "48",
		"--fps", "50",
		// Loopback is never gathered, so ICE gathering finishes at once.
		"--webrtc-udp-listen-ip", "127.0.0.1",
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api, err := pipeline.NewAPI(cfg, logger)
	require.NoError(t, err)

	enc := &countingEncoder{}
	a, err := newApp(cfg, logger, httpserver.BuildInfo{Commit: "test"}, api, enc)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveErr := make(chan error, 1)
	go func() { serveErr <- a.http.Serve(ln) }()
	baseURL := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.run(ctx) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		require.NoError(t, <-runErr)
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		assert.NoError(t, a.shutdown(shutdownCtx))
		assert.ErrorIs(t, <-serveErr, http.ErrServerClosed)
	}
	t.Cleanup(stop)

	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/signal", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	offer, ok := msg.(wire.Description)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, wire.KindOffer, offer.Kind)
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "VP8")

	resp, err := http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `event="signaling_connected"`)
	assert.Contains(t, string(body), `event="offer_created"`)

	frames, _ := enc.stats()
	assert.Positive(t, frames)

	stop()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err=%v", err)
	_, closed := enc.stats()
	assert.True(t, closed)
}

func TestNewAppRejectsInvalidFrameSize(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	cfg.Width = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api, err := pipeline.NewAPI(cfg, logger)
	require.NoError(t, err)

	_, err = newApp(cfg, logger, httpserver.BuildInfo{}, api, &countingEncoder{})
	assert.Error(t, err)
}
