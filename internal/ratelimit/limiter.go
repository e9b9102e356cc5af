// Package ratelimit bounds how fast new client connections are accepted per
// source address, using a token bucket so a brief burst doesn't immediately
// trip the limit but a sustained flood does.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per source address, lazily created on
// first sight and never explicitly evicted — a bounded number of distinct
// source addresses is expected for a connection pooler, not arbitrary
// cardinality.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perSec  rate.Limit
	burst   int
}

// New creates a Limiter allowing ratePerSecond sustained connections and a
// burst of up to burst before limiting kicks in, per source address.
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 100
	}
	if burst <= 0 {
		burst = 10
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		perSec:  rate.Limit(ratePerSecond),
		burst:   burst,
	}
}

// Allow reports whether a new connection attempt from addr should proceed,
// consuming one token from addr's bucket if so.
func (l *Limiter) Allow(addr string) bool {
	l.mu.Lock()
	b, ok := l.buckets[addr]
	if !ok {
		b = rate.NewLimiter(l.perSec, l.burst)
		l.buckets[addr] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Len reports how many distinct source addresses currently have a bucket.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
