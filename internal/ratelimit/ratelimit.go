// Package ratelimit implements a sharded token-bucket admission limiter,
// grounded on the teacher's internal/server/server_rate_limit.go, but
// generalised into a constructor so the relay can build its three
// independent instances (tunnel-connect, inbound request, stats) from one
// implementation, per spec.md §4.1.
package ratelimit

import (
	"sync"
	"time"
)

// shardCount controls how many independent shards a Limiter uses. Each
// shard has its own mutex, which drastically reduces lock contention when
// concurrent Allow calls land on distinct keys.
const shardCount = 16

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a classic token bucket: capacity tokens refill over window,
// i.e. at a rate of capacity/window per unit time. Allow(key) draws one
// token from key's bucket, creating it (full minus one) on first use.
type Limiter struct {
	capacity float64
	window   time.Duration
	rate     float64 // tokens per nanosecond
	stale    time.Duration
	shards   [shardCount]shard
}

// New returns a Limiter admitting up to capacity events per window, keyed
// by an arbitrary string (client IP, agent address, ...).
func New(capacity float64, window time.Duration) *Limiter {
	l := &Limiter{
		capacity: capacity,
		window:   window,
		rate:     capacity / float64(window.Nanoseconds()),
		stale:    2 * window,
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

func (l *Limiter) shard(key string) *shard {
	return &l.shards[fnv32(key)%shardCount]
}

func fnv32(key string) uint32 {
	const (
		offset32 = uint32(2166136261)
		prime32  = uint32(16777619)
	)
	h := offset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return h
}

// Allow reports whether the caller identified by key may proceed now,
// consuming one token if so. Uses a monotonic clock (time.Now's monotonic
// reading) so wall-clock adjustments never grant extra tokens, per
// spec.md §4.1.
func (l *Limiter) Allow(key string) bool {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		s.buckets[key] = &bucket{tokens: l.capacity - 1, lastCheck: now}
		return true
	}

	elapsed := now.Sub(b.lastCheck)
	if elapsed > 0 {
		b.tokens += float64(elapsed.Nanoseconds()) * l.rate
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.lastCheck = now
	}

	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

// Cleanup evicts buckets untouched for longer than twice the refill window,
// per spec.md §3 "RateLimiter bucket". Intended to be called periodically
// by the owning process (e.g. from a time.Ticker in main), never from the
// hot Allow path.
func (l *Limiter) Cleanup() {
	now := time.Now()
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, b := range s.buckets {
			if now.Sub(b.lastCheck) > l.stale {
				delete(s.buckets, k)
			}
		}
		s.mu.Unlock()
	}
}
