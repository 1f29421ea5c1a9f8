package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter for a single entity. Events older
// than the window are pruned lazily on each check.
type Limiter struct {
	mu     sync.Mutex
	events []time.Time
	rate   int
	window time.Duration
}

// New creates a Limiter that allows rate events per sliding window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{rate: rate, window: window}
}

// Allow records an event and returns true if the entity stays within the
// rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)
	if len(l.events) >= l.rate {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// prune drops events that have slid out of the window. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.events) && l.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}
}
