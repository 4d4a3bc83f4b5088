package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/cadence"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/framesource"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/pipeline"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/signaling"
)

var errNoTicks = errors.New("streaming loop has not ticked yet")

// app is the assembled streamer: one pipeline, one signaling server feeding
// one session, and the loop that drives both.
type app struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	pipe  *pipeline.Pipeline
	sig   *signaling.Server
	sess  *session.Session
	sched *cadence.Scheduler
	http  *httpserver.Server
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo, api *webrtc.API, enc pipeline.Encoder) (*app, error) {
	m := metrics.New()

	src, err := framesource.NewTestPattern(cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(api, enc, pipeline.Config{
		Width:               cfg.Width,
		Height:              cfg.Height,
		FPS:                 cfg.FPS,
		ICEServers:          cfg.ICEServers,
		ICEGatheringTimeout: cfg.ICEGatheringTimeout,
		TrickleICE:          cfg.TrickleICE,
		Logger:              logger.With("component", "pipeline"),
		Metrics:             m,
	})
	if err != nil {
		return nil, err
	}

	sig := signaling.NewServer(signaling.Config{
		Origins:              origin.NewPolicy(cfg.AllowedOrigins),
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		EventQueueSize:       cfg.EventQueueSize,
		Logger:               logger.With("component", "signaling"),
		Metrics:              m,
	})

	sess := session.New(sig, pipe, session.Config{
		MailboxDepth:   cfg.MailboxDepth,
		EventQueueSize: cfg.EventQueueSize,
		Logger:         logger.With("component", "session"),
		Metrics:        m,
	})
	pipe.OnLocalDescription(sess.OnLocalDescriptionReady)
	pipe.OnLocalCandidate(sess.OnLocalCandidateReady)

	sched, err := cadence.New(cadence.Config{
		FPS:     cfg.FPS,
		Width:   cfg.Width,
		Height:  cfg.Height,
		Logger:  logger.With("component", "cadence"),
		Metrics: m,
	}, src, pipe, sess)
	if err != nil {
		_ = pipe.Close()
		return nil, err
	}

	a := &app{
		log:     logger,
		metrics: m,
		pipe:    pipe,
		sig:     sig,
		sess:    sess,
		sched:   sched,
	}
	a.http = httpserver.New(cfg, logger, build, httpserver.Options{
		Signaling: sig,
		Metrics:   m,
		Ready:     a.ready,
	})
	return a, nil
}

func (a *app) ready() error {
	if a.sched.Ticks() == 0 {
		return errNoTicks
	}
	return nil
}

// run drives the streaming loop on the calling goroutine until ctx is done.
func (a *app) run(ctx context.Context) error {
	return a.sched.Run(ctx)
}

// shutdown stops HTTP, closes signaling connections and releases the
// pipeline, in that order.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.sig.CloseAll()
	if err := a.pipe.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline close: %w", err))
	}
	return errors.Join(errs...)
}
