// Package cadence runs the fixed-rate production loop: capture a frame, hand
// it to the media pipeline, service signaling, repeat.
package cadence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/metrics"
)

var ErrInvalidConfig = errors.New("cadence: invalid config")

// FrameSource produces one RGBA frame of width*height*4 bytes. The returned
// buffer is only valid until the next call.
type FrameSource interface {
	Produce(width, height int) ([]byte, error)
}

// FrameSink consumes a frame stamped with a monotonic presentation time in
// nanoseconds. It must not retain buf after returning.
type FrameSink interface {
	SubmitFrame(buf []byte, ptsNanos int64) error
}

// Servicer performs one non-blocking round of transport work.
type Servicer interface {
	Service()
}

type Config struct {
	FPS    float64
	Width  int
	Height int

	// Clock defaults to SystemClock.
	Clock   Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// FrameInterval returns round(1e9 / fps) as a duration.
func FrameInterval(fps float64) (time.Duration, error) {
	if math.IsNaN(fps) || math.IsInf(fps, 0) || fps <= 0 {
		return 0, fmt.Errorf("%w: fps must be > 0, got %v", ErrInvalidConfig, fps)
	}
	ns := math.Round(1e9 / fps)
	if ns < 1 {
		return 0, fmt.Errorf("%w: fps %v is too high", ErrInvalidConfig, fps)
	}
	if ns >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: fps %v is too low", ErrInvalidConfig, fps)
	}
	return time.Duration(ns), nil
}

type Scheduler struct {
	width, height int
	interval      int64

	src     FrameSource
	sink    FrameSink
	svc     Servicer
	clock   Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	started bool
	next    int64

	ticks atomic.Uint64
}

func New(cfg Config, src FrameSource, sink FrameSink, svc Servicer) (*Scheduler, error) {
	interval, err := FrameInterval(cfg.FPS)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: frame size %dx%d", ErrInvalidConfig, cfg.Width, cfg.Height)
	}
	if src == nil || sink == nil || svc == nil {
		return nil, fmt.Errorf("%w: frame source, sink and servicer are required", ErrInvalidConfig)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		width:    cfg.Width,
		height:   cfg.Height,
		interval: int64(interval),
		src:      src,
		sink:     sink,
		svc:      svc,
		clock:    clock,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

func (s *Scheduler) Interval() time.Duration { return time.Duration(s.interval) }

// NextDeadline is the monotonic time at which the next tick is due. It is
// meaningless before the first Step.
func (s *Scheduler) NextDeadline() int64 { return s.next }

// Ticks reports how many ticks have run. Safe to call from any goroutine.
func (s *Scheduler) Ticks() uint64 { return s.ticks.Load() }

// Run loops until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("cadence loop starting",
		"width", s.width,
		"height", s.height,
		"frame_interval", s.Interval(),
	)
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("cadence loop stopped", "ticks", s.Ticks())
			return nil
		}
		s.Step(ctx)
	}
}

// Step runs one loop iteration: either sleeps toward the next deadline or
// runs a tick. It reports whether a tick ran.
func (s *Scheduler) Step(ctx context.Context) bool {
	now := s.clock.Now()
	if !s.started {
		s.started = true
		s.next = now
	}
	if now < s.next {
		s.clock.Sleep(ctx, time.Duration(s.next-now))
		return false
	}
	s.tick(now)
	return true
}

func (s *Scheduler) tick(now int64) {
	s.metrics.Inc(metrics.TickTotal)
	if now-s.next >= s.interval {
		s.metrics.Inc(metrics.TickLate)
	}

	buf, err := s.src.Produce(s.width, s.height)
	if err != nil {
		s.metrics.Inc(metrics.FrameCaptureSkipped)
		s.logger.Debug("frame capture skipped", "err", err)
	} else if err := s.sink.SubmitFrame(buf, now); err != nil {
		s.metrics.Inc(metrics.FrameSubmitFailed)
		s.logger.Debug("frame submission failed", "pts", now, "err", err)
	} else {
		s.metrics.Inc(metrics.FrameSubmitted)
	}

	s.svc.Service()

	s.next += s.interval
	s.ticks.Add(1)
}
