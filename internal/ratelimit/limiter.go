// Package ratelimit implements the per-agent token bucket that gates SEND
// traffic: a denied token drops the message silently, observable only in
// stats.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes the bucket shape. Zero values fall back to the spec's
// defaults of a sustained rate of 10 messages/sec and a burst of 20.
type Config struct {
	Rate  float64
	Burst int
	// TTL is how long an idle per-agent bucket survives before cleanup
	// reclaims it.
	TTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Rate == 0 {
		c.Rate = 10
	}
	if c.Burst == 0 {
		c.Burst = 20
	}
	if c.TTL == 0 {
		c.TTL = 10 * time.Minute
	}
	return c
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter is a per-agent-name token bucket pool. Safe for concurrent use —
// the router calls TryAcquire from whichever connection goroutine is
// handling a SEND.
type Limiter struct {
	cfg Config

	mu      sync.RWMutex
	buckets map[string]*entry

	denied int64 // accumulated across all names, for Stats
}

// New returns a Limiter configured per cfg.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*entry),
	}
}

// TryAcquire reports whether name may send one more message right now.
func (l *Limiter) TryAcquire(name string) bool {
	b := l.bucketFor(name)
	if b.limiter.Allow() {
		return true
	}
	l.mu.Lock()
	l.denied++
	l.mu.Unlock()
	return false
}

// Reset discards name's bucket, giving it a fresh burst allowance. Used when
// an agent reconnects and the operator wants a clean slate.
func (l *Limiter) Reset(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, name)
}

// bucketFor returns name's bucket, creating it under a double-checked write
// lock if this is the first sighting.
func (l *Limiter) bucketFor(name string) *entry {
	l.mu.RLock()
	b, ok := l.buckets[name]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		b.lastAccess = time.Now()
		l.mu.Unlock()
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[name]; ok {
		b.lastAccess = time.Now()
		return b
	}
	b = &entry{
		limiter:    rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst),
		lastAccess: time.Now(),
	}
	l.buckets[name] = b
	return b
}

// Cleanup removes buckets idle longer than cfg.TTL. Intended to be called
// periodically by the daemon's maintenance scheduler.
func (l *Limiter) Cleanup() (removed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for name, b := range l.buckets {
		if now.Sub(b.lastAccess) > l.cfg.TTL {
			delete(l.buckets, name)
			removed++
		}
	}
	return removed
}

// Stats reports current pool size and lifetime denial count, for the
// router's stats surface.
type Stats struct {
	TrackedNames int
	Denied       int64
}

func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{TrackedNames: len(l.buckets), Denied: l.denied}
}
