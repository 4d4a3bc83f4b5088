package cadence

import (
	"context"
	"time"
)

// Clock is a monotonic nanosecond clock with a cancellable sleep.
type Clock interface {
	Now() int64
	// Sleep returns after d, or earlier if ctx is done. Returning early is
	// allowed.
	Sleep(ctx context.Context, d time.Duration)
}

type systemClock struct {
	epoch time.Time
}

// SystemClock reports nanoseconds elapsed since the clock was created, read
// from the runtime's monotonic clock.
func SystemClock() Clock {
	return systemClock{epoch: time.Now()}
}

func (c systemClock) Now() int64 {
	return int64(time.Since(c.epoch))
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
