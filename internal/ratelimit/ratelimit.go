// Package ratelimit bounds how many messages a single relay connection may
// send within a fixed window.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window counter for one connection. A zero rate
// disables limiting.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
	now         func() time.Time
}

// New creates a Limiter that allows rate messages per window.
func New(rate int, window time.Duration) *Limiter {
	l := &Limiter{
		rate:   rate,
		window: window,
		now:    time.Now,
	}
	l.windowStart = l.now()
	return l
}

// Allow records one message and reports whether it is within the limit.
func (l *Limiter) Allow() bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}
