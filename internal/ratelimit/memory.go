package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// staleThreshold is how long an untouched bucket survives eviction.
const staleThreshold = 10 * time.Minute

// MemoryLimiter implements Limiter with an in-memory token bucket per key.
//
// Each key refills at rate tokens per second up to burst. A background
// goroutine evicts buckets idle for staleThreshold every minute.
type MemoryLimiter struct {
	rate  float64
	burst float64
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter. A nil clk means the wall
// clock. Call Close to stop the eviction goroutine.
func NewMemoryLimiter(rate float64, burst int, clk clock.Clock) *MemoryLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		clock:   clk,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	b, ok := m.buckets[key]
	if !ok {
		// First request: a full bucket minus this request's token.
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastAccess: now}
		return true, nil
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate)
	b.lastAccess = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine and waits for it. Safe to call more
// than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	<-m.stopped
	return nil
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

func (m *MemoryLimiter) evictLoop() {
	defer close(m.stopped)
	for {
		select {
		case <-m.done:
			return
		case <-m.clock.After(time.Minute):
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
