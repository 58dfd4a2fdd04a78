// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"time"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// MemoryRateLimiter implements ratelimit.WindowLimiter with a sliding log per key.
// Thread-safe for concurrent access. State lives in a sharded window store,
// so checks for different keys do not serialize on one lock.
// Expired keys are removed by a Sweeper calling PruneExpired.
type MemoryRateLimiter struct {
	store *windowStore
	now   func() time.Time
}

// Option configures a MemoryRateLimiter.
type Option func(*MemoryRateLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *MemoryRateLimiter) { r.now = now }
}

// WithShards sets the number of lock shards. Values <= 0 use DefaultShards.
func WithShards(n int) Option {
	return func(r *MemoryRateLimiter) { r.store = newWindowStore(n) }
}

// NewRateLimiter creates a new in-memory sliding-window limiter.
func NewRateLimiter(opts ...Option) *MemoryRateLimiter {
	r := &MemoryRateLimiter{
		store: newWindowStore(DefaultShards),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow checks if weight units may be admitted under key right now.
// It never returns an error; the signature matches backends that can fail.
func (r *MemoryRateLimiter) Allow(ctx context.Context, key string, quota ratelimit.Quota, weight int) (ratelimit.Result, error) {
	return r.AllowAt(key, quota, weight, r.now()), nil
}

// AllowAt is Allow evaluated at an explicit instant.
//
// A weight larger than the whole capacity can never succeed and is rejected
// without touching the store. Otherwise the sum of entries newer than
// now-window is read (pruning older ones), compared against the limit, and
// the new entry is appended only if it fits. The read and the append happen
// under the key's shard lock.
func (r *MemoryRateLimiter) AllowAt(key string, quota ratelimit.Quota, weight int, now time.Time) ratelimit.Result {
	if weight <= 0 {
		weight = 1
	}

	result := ratelimit.Result{
		Limit:  quota.Limit,
		Window: quota.Window,
	}

	if weight > quota.Limit || quota.Window <= 0 {
		result.Remaining = 0
		result.ResetAt = now.Add(quota.Window)
		return result
	}

	cutoff := now.Add(-quota.Window)
	r.store.update(key, func(st *keyState) {
		st.window = quota.Window
		consumed := st.sumSince(cutoff)

		if consumed+weight > quota.Limit {
			result.Remaining = max(0, quota.Limit-consumed)
			result.ResetAt = resetAt(st, now, quota.Window)
			return
		}

		st.record(now, weight)
		result.Allowed = true
		result.Remaining = quota.Limit - consumed - weight
		result.ResetAt = resetAt(st, now, quota.Window)
	})

	return result
}

// resetAt is when the oldest counted entry expires, or now+window when nothing is counted.
func resetAt(st *keyState, now time.Time, window time.Duration) time.Time {
	if oldest, ok := st.oldest(); ok {
		return oldest.Add(window)
	}
	return now.Add(window)
}

// Consumed returns the weight currently counted for key, pruning expired entries.
// Returns 0 for unknown keys.
func (r *MemoryRateLimiter) Consumed(key string, window time.Duration) int {
	consumed := 0
	r.store.view(key, func(st *keyState) {
		consumed = st.sumSince(r.now().Add(-window))
	})
	return consumed
}

// PruneExpired removes keys whose entries have all left their window.
func (r *MemoryRateLimiter) PruneExpired() int {
	return r.store.pruneAll(r.now())
}

// Size returns the current number of tracked keys.
// Useful for testing and monitoring memory usage.
func (r *MemoryRateLimiter) Size() int {
	return r.store.size()
}

// Compile-time interface verification.
var (
	_ ratelimit.WindowLimiter = (*MemoryRateLimiter)(nil)
	_ ratelimit.Prunable      = (*MemoryRateLimiter)(nil)
)
