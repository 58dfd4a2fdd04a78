package ratelimit

import (
	"fmt"
	"time"
)

// Decision is the unified outcome of an admission check.
// It is produced fresh per call and never persisted.
type Decision struct {
	// Allowed reports whether the work may proceed.
	Allowed bool

	// Layer is the layer that rejected the request, or LayerNone.
	Layer Layer

	// Limit, Remaining, ResetAt and WindowSeconds describe the rejecting
	// layer, or the tighter of the two layers when allowed.
	Limit         int
	Remaining     int
	ResetAt       time.Time
	WindowSeconds int

	// Message is a human-readable explanation.
	Message string

	// Endpoint, Tier and Role are the normalized inputs the quotas were resolved for.
	Endpoint string
	Tier     string
	Role     string

	// Actor and Group carry per-layer diagnostics. Group is nil when the
	// group layer was skipped or never reached.
	Actor *Result
	Group *Result
}

// RetryAfter returns how long the caller should wait before retrying, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Rejected builds the decision for a layer that refused the request.
func Rejected(layer Layer, res Result, endpoint, tier, role string) Decision {
	return Decision{
		Allowed:       false,
		Layer:         layer,
		Limit:         res.Limit,
		Remaining:     res.Remaining,
		ResetAt:       res.ResetAt,
		WindowSeconds: windowSeconds(res.Window),
		Message:       rejectionMessage(layer, res, tier, role),
		Endpoint:      endpoint,
		Tier:          tier,
		Role:          role,
	}
}

// Admitted builds the decision for a request both layers accepted.
// group may be nil when the group layer was skipped.
func Admitted(actor Result, group *Result, endpoint, tier, role string) Decision {
	tight := Tighter(actor, group)
	return Decision{
		Allowed:       true,
		Layer:         LayerNone,
		Limit:         tight.Limit,
		Remaining:     tight.Remaining,
		ResetAt:       tight.ResetAt,
		WindowSeconds: windowSeconds(tight.Window),
		Message:       "allowed",
		Endpoint:      endpoint,
		Tier:          tier,
		Role:          role,
	}
}

// Tighter returns the layer result with less remaining capacity.
// Ties go to the later reset, the more conservative hint.
func Tighter(actor Result, group *Result) Result {
	if group == nil {
		return actor
	}
	switch {
	case group.Remaining < actor.Remaining:
		return *group
	case group.Remaining > actor.Remaining:
		return actor
	case group.ResetAt.After(actor.ResetAt):
		return *group
	default:
		return actor
	}
}

func rejectionMessage(layer Layer, res Result, tier, role string) string {
	switch layer {
	case LayerActor:
		return fmt.Sprintf("actor rate limit exceeded: limit %d per %s for role %q in tier %q",
			res.Limit, res.Window, role, tier)
	case LayerGroup:
		return fmt.Sprintf("group rate limit exceeded: limit %d per %s for tier %q",
			res.Limit, res.Window, tier)
	default:
		return "rate limit exceeded"
	}
}
