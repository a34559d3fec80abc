package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeTimer
}

// NewFake returns a Fake pinned to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{ch: make(chan time.Time, 1), at: f.now.Add(d), clk: f}
	if d <= 0 {
		t.fire(f.now)
	} else {
		f.waiters = append(f.waiters, t)
	}
	return t
}

// Advance moves the clock forward and fires every timer that became due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	remaining := f.waiters[:0]
	for _, t := range f.waiters {
		if !t.at.After(f.now) {
			t.fire(f.now)
		} else {
			remaining = append(remaining, t)
		}
	}
	f.waiters = remaining
}

type fakeTimer struct {
	ch    chan time.Time
	at    time.Time
	clk   *Fake
	fired bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	stopped := !t.fired
	t.fired = true
	return stopped
}

func (t *fakeTimer) fire(now time.Time) {
	if t.fired {
		return
	}
	t.fired = true
	t.ch <- now
}
