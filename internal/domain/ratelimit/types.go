// Package ratelimit provides admission control domain types.
package ratelimit

import (
	"math"
	"time"
)

// Scope identifies which layer a counting bucket belongs to.
type Scope string

const (
	// ScopeActor is the per-caller layer.
	ScopeActor Scope = "actor"

	// ScopeGroup is the per-organization layer shared by all of its actors.
	ScopeGroup Scope = "group"
)

// Layer names the layer that rejected a request.
type Layer string

const (
	// LayerNone means no layer rejected the request.
	LayerNone Layer = "none"
	// LayerActor means the actor-scoped limit was exhausted.
	LayerActor Layer = "actor"
	// LayerGroup means the group-scoped limit was exhausted.
	LayerGroup Layer = "group"
)

// Quota is a capacity over a rolling window.
type Quota struct {
	// Limit is the total weight admitted per Window.
	Limit int

	// Window is the length of the rolling window.
	Window time.Duration
}

// Valid reports whether the quota can be enforced.
func (q Quota) Valid() bool {
	return q.Limit >= 1 && q.Window > 0
}

// rate returns admitted weight per second, used to compare quotas with different windows.
func (q Quota) rate() float64 {
	if q.Window <= 0 {
		return math.Inf(1)
	}
	return float64(q.Limit) / q.Window.Seconds()
}

// Result is the outcome of a single sliding-window check.
type Result struct {
	// Allowed indicates whether the weight was admitted and recorded.
	Allowed bool

	// Limit is the capacity the check ran against.
	Limit int

	// Remaining is the capacity left in the current window (never negative).
	Remaining int

	// ResetAt is when the oldest counted entry leaves the window.
	// Advisory only: with irregular traffic capacity may free up in smaller steps.
	ResetAt time.Time

	// Window is the window length the check ran against.
	Window time.Duration
}

// Request carries the identity attributes of one unit of work.
// Identity resolution happens upstream; this is only what the caller already knows.
type Request struct {
	// ActorID is the authenticated caller. Empty for anonymous callers.
	ActorID string

	// ClientAddr is the resolved network address of the caller.
	// Used as a pseudo-identity only when ActorID is empty.
	ClientAddr string

	// GroupID is the organization the caller belongs to. Empty skips the group layer.
	GroupID string

	// Tier is the group's subscription tier. Empty means the lowest known tier.
	Tier string

	// Role is the caller's role inside the group. Empty means the lowest-privilege role.
	Role string

	// Endpoint selects the quota table entry.
	Endpoint string

	// Weight is the cost of the work in quota units. Values <= 0 count as 1.
	Weight int

	// Unverified marks a caller whose attributes no trusted party vouched for.
	// It is always limited at the fallback quota, whatever Tier and Role say.
	Unverified bool
}

// windowSeconds converts a window to whole seconds, rounding up.
func windowSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
