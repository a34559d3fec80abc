// Package clock abstracts time so that scheduling logic can be tested
// deterministically. Production code uses System; tests inject a Fake.
package clock

import (
	"context"
	"time"
)

// Clock provides the current time and timers.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of time.Timer the queue needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// System is the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

func (System) NewTimer(d time.Duration) Timer { return systemTimer{time.NewTimer(d)} }

type systemTimer struct{ t *time.Timer }

func (s systemTimer) C() <-chan time.Time { return s.t.C }
func (s systemTimer) Stop() bool          { return s.t.Stop() }

// Sleep waits for d on clk or until ctx is cancelled. On cancellation it
// returns the cancellation cause so callers can distinguish shutdown
// reasons from ordinary deadline errors.
func Sleep(ctx context.Context, clk Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
