// Package ratelimit throttles the requests that provision containers.
//
// Every started migration brings up a full resource group, so creation and
// start requests are limited per client. MemoryLimiter is an in-process
// token bucket; the Limiter interface lets a shared implementation replace
// it when several instances sit behind one address.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error signals a
	// limiter malfunction; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter for a positive rate, and a NoopLimiter
// otherwise.
func New(rate float64, burst int) Limiter {
	if rate <= 0 || burst <= 0 {
		return NoopLimiter{}
	}
	return NewMemoryLimiter(rate, burst, nil)
}
