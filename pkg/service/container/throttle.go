package container

import (
	"sync"
	"time"
)

// Throttler limits how often records are fetched.
//
// A poller that is denied a slot does not retry right away. The container
// reschedules it after the returned duration, so a throttled route stays idle
// for the rest of the window instead of spinning on Allow.
type Throttler interface {
	// Allow takes one slot in the current window. When no slot is left it
	// returns false and the time until the window ends. The caller should
	// wait that long before asking again.
	Allow() (bool, time.Duration)
}

// WindowThrottler allows a fixed number of fetches per window. A denied
// caller is told to wait until the window ends, not for the poll interval.
type WindowThrottler struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu    sync.Mutex
	start time.Time
	count int
}

// NewThrottler returns a WindowThrottler allowing limit fetches per period.
func NewThrottler(limit int, period time.Duration) *WindowThrottler {
	if limit < 1 {
		limit = 1
	}
	if period <= 0 {
		period = time.Second
	}
	return &WindowThrottler{limit: limit, period: period, now: time.Now}
}

// Allow implements Throttler.
func (w *WindowThrottler) Allow() (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if elapsed := now.Sub(w.start); elapsed >= w.period || elapsed < 0 {
		w.start = now
		w.count = 0
	}
	if w.count >= w.limit {
		return false, w.period - now.Sub(w.start)
	}
	w.count++
	return true, 0
}
