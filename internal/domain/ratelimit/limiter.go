package ratelimit

import (
	"context"
	"time"
)

// WindowLimiter is the interface for sliding-window admission checks.
//
// Implementations count weighted entries strictly inside the most recent
// quota.Window and admit a new entry only while the sum stays within
// quota.Limit. The read-then-append sequence for one key must be atomic
// with respect to other callers of the same key; different keys must not
// contend on a single global lock.
//
// The interface is storage-agnostic so an in-memory limiter and a
// distributed one can be swapped without touching the admission logic.
type WindowLimiter interface {
	// Allow checks whether weight more units may be admitted under key.
	// On success the weight is recorded. Capacity exhaustion is reported
	// through Result.Allowed, never as an error; errors mean the backing
	// store itself failed.
	Allow(ctx context.Context, key string, quota Quota, weight int) (Result, error)
}

// OverrideResolver looks up per-group custom quotas.
//
// Implementations must be safe to call on every request. A group with no
// override returns ok=false and a nil error. Any returned error is treated
// by callers as "no override".
type OverrideResolver interface {
	ResolveOverride(ctx context.Context, groupID, endpoint string) (quota Quota, ok bool, err error)
}

// Prunable is implemented by limiters whose state can be swept for expired keys.
type Prunable interface {
	// PruneExpired drops every key whose newest entry has aged out of its window
	// and returns the number of keys removed.
	PruneExpired() int

	// Size returns the number of keys currently tracked.
	Size() int
}

// AnyEndpoint is the endpoint value of an override that covers every endpoint.
// An override for a specific endpoint wins over the AnyEndpoint entry.
const AnyEndpoint = "*"

// Override is an operator-managed group-scope quota.
type Override struct {
	GroupID   string
	Endpoint  string
	Quota     Quota
	Note      string
	UpdatedAt time.Time
}
