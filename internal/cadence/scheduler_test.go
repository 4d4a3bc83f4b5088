package cadence

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/metrics"
)

// fakeClock advances only when told to. Sleep moves time forward by the
// requested duration scaled by sleepScale (1 when zero).
type fakeClock struct {
	now        int64
	sleeps     []time.Duration
	sleepScale float64
}

func (c *fakeClock) Now() int64 { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	scale := c.sleepScale
	if scale == 0 {
		scale = 1
	}
	c.now += int64(float64(d) * scale)
}

func (c *fakeClock) Advance(d time.Duration) { c.now += int64(d) }

type frame struct {
	size int
	pts  int64
}

type recordingSink struct {
	frames []frame
	err    error
}

func (s *recordingSink) SubmitFrame(buf []byte, pts int64) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame{len(buf), pts})
	return nil
}

type scriptedSource struct {
	calls int
	fail  func(call int) bool
}

var errNoFrame = errors.New("no frame")

func (s *scriptedSource) Produce(w, h int) ([]byte, error) {
	s.calls++
	if s.fail != nil && s.fail(s.calls) {
		return nil, errNoFrame
	}
	return make([]byte, w*h*4), nil
}

type countingServicer struct {
	n    int
	hook func(n int)
}

func (c *countingServicer) Service() {
	c.n++
	if c.hook != nil {
		c.hook(c.n)
	}
}

func TestFrameInterval(t *testing.T) {
	cases := []struct {
		fps  float64
		want time.Duration
	}{
		{30, 33333333},
		{60, 16666667},
		{29.97, 33366700},
		{1, time.Second},
		{0.5, 2 * time.Second},
	}
	for _, tc := range cases {
		got, err := FrameInterval(tc.fps)
		require.NoError(t, err, "fps=%v", tc.fps)
		assert.Equal(t, tc.want, got, "fps=%v", tc.fps)
	}

	for _, fps := range []float64{0, -30, math.NaN(), math.Inf(1), 3e9, 1e-10, math.SmallestNonzeroFloat64} {
		_, err := FrameInterval(fps)
		assert.ErrorIs(t, err, ErrInvalidConfig, "fps=%v", fps)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	src, sink, svc := &scriptedSource{}, &recordingSink{}, &countingServicer{}

	_, err := New(Config{FPS: 0, Width: 4, Height: 4}, src, sink, svc)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{FPS: 1e-10, Width: 4, Height: 4}, src, sink, svc)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{FPS: 30, Width: 0, Height: 4}, src, sink, svc)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{FPS: 30, Width: 4, Height: 4}, nil, sink, svc)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func newTestScheduler(t *testing.T, clock *fakeClock, src FrameSource, sink FrameSink, svc Servicer, m *metrics.Metrics) *Scheduler {
	t.Helper()
	s, err := New(Config{FPS: 30, Width: 4, Height: 2, Clock: clock, Metrics: m}, src, sink, svc)
	require.NoError(t, err)
	return s
}

func TestStep_FirstTickIsImmediate(t *testing.T) {
	clock := &fakeClock{now: 1000}
	sink := &recordingSink{}
	svc := &countingServicer{}
	s := newTestScheduler(t, clock, &scriptedSource{}, sink, svc, nil)

	assert.True(t, s.Step(context.Background()))
	assert.Equal(t, []frame{{size: 4 * 2 * 4, pts: 1000}}, sink.frames)
	assert.Equal(t, 1, svc.n)
	assert.Equal(t, int64(1000)+int64(s.Interval()), s.NextDeadline())
}

func TestStep_SleepsUntilDeadline(t *testing.T) {
	clock := &fakeClock{}
	svc := &countingServicer{}
	s := newTestScheduler(t, clock, &scriptedSource{}, &recordingSink{}, svc, nil)
	ctx := context.Background()

	require.True(t, s.Step(ctx))
	clock.Advance(10 * time.Millisecond)

	assert.False(t, s.Step(ctx))
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, s.Interval()-10*time.Millisecond, clock.sleeps[0])
	assert.Equal(t, 1, svc.n)

	assert.True(t, s.Step(ctx))
	assert.Equal(t, 2, svc.n)
}

func TestStep_EarlyWakeDoesNotAdvance(t *testing.T) {
	clock := &fakeClock{sleepScale: 0.25}
	sink := &recordingSink{}
	s := newTestScheduler(t, clock, &scriptedSource{}, sink, &countingServicer{}, nil)
	ctx := context.Background()

	require.True(t, s.Step(ctx))
	deadline := s.NextDeadline()

	for i := 0; i < 3; i++ {
		assert.False(t, s.Step(ctx))
		assert.Equal(t, deadline, s.NextDeadline())
	}
	assert.Len(t, sink.frames, 1)
}

func TestStep_LateTicksAdvanceOneIntervalEach(t *testing.T) {
	clock := &fakeClock{}
	sink := &recordingSink{}
	m := metrics.New()
	s := newTestScheduler(t, clock, &scriptedSource{}, sink, &countingServicer{}, m)
	ctx := context.Background()
	interval := int64(s.Interval())

	require.True(t, s.Step(ctx))
	clock.Advance(time.Duration(interval*5/2))

	var deadlines []int64
	ticks := 0
	for i := 0; i < 10 && ticks < 3; i++ {
		if s.Step(ctx) {
			ticks++
			deadlines = append(deadlines, s.NextDeadline())
		}
	}
	require.Len(t, deadlines, 3)
	assert.Equal(t, []int64{2 * interval, 3 * interval, 4 * interval}, deadlines)
	assert.Equal(t, uint64(1), m.Get(metrics.TickLate))

	for i := 1; i < len(sink.frames); i++ {
		assert.GreaterOrEqual(t, sink.frames[i].pts, sink.frames[i-1].pts)
	}
}

func TestStep_DeadlineStrictlyIncreasesRegardlessOfJitter(t *testing.T) {
	clock := &fakeClock{}
	s := newTestScheduler(t, clock, &scriptedSource{}, &recordingSink{}, &countingServicer{}, nil)
	ctx := context.Background()
	interval := int64(s.Interval())

	jitter := []time.Duration{0, 3 * time.Millisecond, 70 * time.Millisecond, 0, time.Millisecond, 0}
	prev := int64(-1)
	for _, j := range jitter {
		clock.Advance(j)
		for !s.Step(ctx) {
		}
		if prev >= 0 {
			assert.Equal(t, prev+interval, s.NextDeadline())
		}
		prev = s.NextDeadline()
	}
}

func TestStep_CaptureFailureSkipsSubmissionOnly(t *testing.T) {
	clock := &fakeClock{}
	sink := &recordingSink{}
	svc := &countingServicer{}
	m := metrics.New()
	src := &scriptedSource{fail: func(call int) bool { return call%2 == 0 }}
	s := newTestScheduler(t, clock, src, sink, svc, m)
	ctx := context.Background()

	ticks := 0
	for ticks < 4 {
		if s.Step(ctx) {
			ticks++
		}
	}
	assert.Equal(t, 4, src.calls)
	assert.Len(t, sink.frames, 2)
	assert.Equal(t, 4, svc.n)
	assert.Equal(t, uint64(2), m.Get(metrics.FrameCaptureSkipped))
	assert.Equal(t, int64(4)*int64(s.Interval()), s.NextDeadline())
}

func TestStep_SubmitFailureIsNotFatal(t *testing.T) {
	clock := &fakeClock{}
	sink := &recordingSink{err: errors.New("busy")}
	svc := &countingServicer{}
	m := metrics.New()
	s := newTestScheduler(t, clock, &scriptedSource{}, sink, svc, m)

	require.True(t, s.Step(context.Background()))
	assert.Equal(t, 1, svc.n)
	assert.Equal(t, uint64(1), m.Get(metrics.FrameSubmitFailed))
	assert.Zero(t, m.Get(metrics.FrameSubmitted))
}

func TestRun_StopsOnCancel(t *testing.T) {
	clock := &fakeClock{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := &countingServicer{hook: func(n int) {
		if n == 5 {
			cancel()
		}
	}}
	s := newTestScheduler(t, clock, &scriptedSource{}, &recordingSink{}, svc, nil)

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, uint64(5), s.Ticks())
}

func TestRun_SystemClock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sink := &recordingSink{}
	svc := &countingServicer{hook: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	s, err := New(Config{FPS: 100, Width: 2, Height: 2}, &scriptedSource{}, sink, svc)
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
	require.Len(t, sink.frames, 3)
	gap := sink.frames[2].pts - sink.frames[0].pts
	assert.GreaterOrEqual(t, gap, int64(2*s.Interval())-int64(time.Millisecond))
}
