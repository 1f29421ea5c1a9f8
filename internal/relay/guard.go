package relay

import (
	"sync"
	"time"
)

// Guard enforces per-IP connection-attempt rate limits and a cap on
// concurrent node links from one address. Attempt timestamps slide out of
// the window lazily on each check; a periodic cleanup purges idle IPs so
// memory stays bounded under sustained load.
type Guard struct {
	mu       sync.Mutex
	attempts map[string][]time.Time

	maxAttempts int
	window      time.Duration
	maxConns    int
	connCount   func(ip string) int
}

// NewGuard creates a guard. connCount reports live connections per IP
// (normally Registry.CountForIP). A background goroutine cleans up stale
// attempt records every minute.
func NewGuard(maxAttempts int, window time.Duration, maxConns int, connCount func(ip string) int) *Guard {
	g := &Guard{
		attempts:    make(map[string][]time.Time),
		maxAttempts: maxAttempts,
		window:      window,
		maxConns:    maxConns,
		connCount:   connCount,
	}
	go func() {
		for {
			time.Sleep(time.Minute)
			g.cleanup()
		}
	}()
	return g
}

// AllowAttempt reports whether the IP is within its attempt budget for the
// sliding window.
func (g *Guard) AllowAttempt(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(ip, time.Now())
	return len(g.attempts[ip]) < g.maxAttempts
}

// RecordAttempt appends an attempt timestamp for the IP.
func (g *Guard) RecordAttempt(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts[ip] = append(g.attempts[ip], time.Now())
}

// AllowConnection reports whether the IP may open another node link.
func (g *Guard) AllowConnection(ip string) bool {
	return g.connCount(ip) < g.maxConns
}

// ConnectionCount exposes the live-connection count for an IP.
func (g *Guard) ConnectionCount(ip string) int {
	return g.connCount(ip)
}

// pruneLocked drops attempts outside the window. Caller holds g.mu.
func (g *Guard) pruneLocked(ip string, now time.Time) {
	cutoff := now.Add(-g.window)
	recs := g.attempts[ip]
	i := 0
	for i < len(recs) && recs[i].Before(cutoff) {
		i++
	}
	switch {
	case i == len(recs):
		delete(g.attempts, ip)
	case i > 0:
		g.attempts[ip] = append(recs[:0], recs[i:]...)
	}
}

// cleanup purges stale attempt records independent of query traffic.
func (g *Guard) cleanup() {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for ip := range g.attempts {
		g.pruneLocked(ip, now)
	}
}
