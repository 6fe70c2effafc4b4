package update

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// realTimer implements backoff.Timer on top of time.Timer.
type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *realTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *realTimer) C() <-chan time.Time {
	return t.timer.C
}

func newRealTimer() backoff.Timer {
	return &realTimer{}
}

// sleep waits d on a fresh timer from newTimer, returning early with
// ctx.Err() when ctx ends first.
func sleep(ctx context.Context, newTimer func() backoff.Timer, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := newTimer()
	t.Start(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
