package session

import (
	"sync"
	"time"

	"termgate/internal/clock"
)

const tickInterval = time.Second

// ExpiryTimer enforces the hard end of an elevated session. It re-reads the
// remaining time on every tick instead of keeping its own copy, and it fires
// onExpire at most once.
type ExpiryTimer struct {
	clock     clock.Clock
	remaining func() time.Duration
	onTick    func(time.Duration)
	onExpire  func()

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
	fired   bool
}

func NewExpiryTimer(c clock.Clock, remaining func() time.Duration, onTick func(time.Duration), onExpire func()) *ExpiryTimer {
	return &ExpiryTimer{clock: c, remaining: remaining, onTick: onTick, onExpire: onExpire}
}

// Start schedules the first tick. The delay is capped by the remaining time
// so the final tick lands on the expiry instant rather than up to a second
// after it.
func (t *ExpiryTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired || t.timer != nil {
		return
	}
	t.scheduleLocked(t.remaining())
}

func (t *ExpiryTimer) scheduleLocked(remaining time.Duration) {
	delay := tickInterval
	if remaining < delay {
		delay = remaining
	}
	if delay <= 0 {
		delay = time.Nanosecond
	}
	t.timer = t.clock.AfterFunc(delay, t.fire)
}

func (t *ExpiryTimer) fire() {
	remaining, expired := t.Tick()
	if expired {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return
	}
	t.scheduleLocked(remaining)
}

// Tick performs one check. It reports the remaining time and whether the
// timer has expired (now or on an earlier tick). Extra ticks after expiry are
// no-ops.
func (t *ExpiryTimer) Tick() (time.Duration, bool) {
	t.mu.Lock()
	if t.stopped || t.fired {
		fired := t.fired
		t.mu.Unlock()
		return 0, fired
	}
	remaining := t.remaining()
	if remaining < 0 {
		remaining = 0
	}
	expire := remaining == 0
	if expire {
		t.fired = true
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	t.mu.Unlock()

	if t.onTick != nil {
		t.onTick(remaining)
	}
	if expire && t.onExpire != nil {
		t.onExpire()
	}
	return remaining, expire
}

// Stop cancels the timer. Safe to call repeatedly and after expiry.
func (t *ExpiryTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *ExpiryTimer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
