package notifier

import (
	"sync"
	"time"
)

// RateLimiter caps alerts per recipient with a fixed window.
//
// The counter resets only once the window has elapsed, so a burst of up to
// 2x cap is possible across a window edge. That imprecision is accepted.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func NewRateLimiter(window time.Duration, limit int) *RateLimiter {
	return &RateLimiter{window: window, limit: limit, windows: map[string]*rateWindow{}}
}

// Configure changes window length and cap; open windows keep their start.
func (l *RateLimiter) Configure(window time.Duration, limit int) {
	l.mu.Lock()
	l.window = window
	l.limit = limit
	l.mu.Unlock()
}

// TryConsume takes one slot for recipient. It returns false, without counting,
// once the window's count has reached the cap.
func (l *RateLimiter) TryConsume(recipient string, now time.Time) bool {
	_, ok := l.consume(recipient, now)
	return ok
}

// consume is TryConsume that also reports the window start, for Refund.
func (l *RateLimiter) consume(recipient string, now time.Time) (time.Time, bool) {
	key := normalizeAddress(recipient)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit <= 0 {
		return time.Time{}, true
	}
	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= l.window {
		w = &rateWindow{start: now}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return w.start, false
	}
	w.count++
	return w.start, true
}

// Refund gives back a slot taken in the window that started at windowStart.
// It is a no-op once that window has been replaced.
func (l *RateLimiter) Refund(recipient string, windowStart time.Time) {
	key := normalizeAddress(recipient)
	l.mu.Lock()
	if w := l.windows[key]; w != nil && w.start.Equal(windowStart) && w.count > 0 {
		w.count--
	}
	l.mu.Unlock()
}

// Remaining reports how many sends recipient has left in its current window.
func (l *RateLimiter) Remaining(recipient string, now time.Time) int {
	key := normalizeAddress(recipient)
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= l.window {
		return l.limit
	}
	return l.limit - w.count
}

// Sweep forgets windows that have elapsed.
func (l *RateLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
