package session

import (
	"sync"
	"time"
)

// DefaultGrace is how long a host may stay disconnected before the session is ended.
const DefaultGrace = 30 * time.Second

// Watchdog counts down after the host connection is lost and fires onExpire
// unless the host reconnects first.
type Watchdog struct {
	grace    time.Duration
	onExpire func()
	now      func() time.Time

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	gen      int
	fired    bool
}

func NewWatchdog(grace time.Duration, onExpire func()) *Watchdog {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Watchdog{grace: grace, onExpire: onExpire, now: time.Now}
}

// Disconnected starts the countdown. A countdown already running is left alone.
func (w *Watchdog) Disconnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil || w.fired {
		return
	}
	w.gen++
	gen := w.gen
	w.deadline = w.now().Add(w.grace)
	w.timer = time.AfterFunc(w.grace, func() { w.expire(gen) })
}

// Reconnected cancels a running countdown.
func (w *Watchdog) Reconnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// Remaining returns the time left on a running countdown.
func (w *Watchdog) Remaining() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		return 0, false
	}
	left := w.deadline.Sub(w.now())
	if left < 0 {
		left = 0
	}
	return left, true
}

// Stop cancels the countdown for good.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.fired = true
}

func (w *Watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

func (w *Watchdog) expire(gen int) {
	w.mu.Lock()
	if gen != w.gen || w.fired {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.fired = true
	w.mu.Unlock()
	w.onExpire()
}
