package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// DefaultOverrideTimeout bounds a single override lookup.
const DefaultOverrideTimeout = 50 * time.Millisecond

// Reasons an override lookup fell back to the static table.
const (
	FallbackError     = "error"
	FallbackTimeout   = "timeout"
	FallbackPanic     = "panic"
	FallbackMalformed = "malformed"
)

// ResolvedQuotas are the quotas that apply to one request.
type ResolvedQuotas struct {
	Endpoint string
	Tier     string
	Role     string

	Actor ratelimit.Quota

	// Group is only meaningful when HasGroup is set.
	Group    ratelimit.Quota
	HasGroup bool

	// Overridden reports that Group came from the override resolver.
	Overridden bool
}

// TierResolver maps (tier, role, endpoint) to quotas.
// The table is validated once at construction and never mutated afterwards,
// so Resolve is safe for concurrent use.
type TierResolver struct {
	table      *ratelimit.TierTable
	overrides  ratelimit.OverrideResolver
	timeout    time.Duration
	logger     *slog.Logger
	gapLog     *rate.Limiter
	onFallback func(ctx context.Context, reason string)
}

// TierResolverOption configures TierResolver.
type TierResolverOption func(*TierResolver)

// WithOverrideResolver consults r for group-scope quotas before the static table.
func WithOverrideResolver(r ratelimit.OverrideResolver) TierResolverOption {
	return func(t *TierResolver) {
		t.overrides = r
	}
}

// WithOverrideTimeout sets the per-lookup deadline. Values <= 0 use DefaultOverrideTimeout.
func WithOverrideTimeout(d time.Duration) TierResolverOption {
	return func(t *TierResolver) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithFallbackHook is called every time an override lookup falls back.
func WithFallbackHook(fn func(ctx context.Context, reason string)) TierResolverOption {
	return func(t *TierResolver) {
		t.onFallback = fn
	}
}

// NewTierResolver validates table and builds a resolver. A nil table uses
// ratelimit.DefaultTierTable. An invalid table is a startup error.
func NewTierResolver(table *ratelimit.TierTable, logger *slog.Logger, opts ...TierResolverOption) (*TierResolver, error) {
	if table == nil {
		table = ratelimit.DefaultTierTable()
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &TierResolver{
		table:   table,
		timeout: DefaultOverrideTimeout,
		logger:  logger,
		// A burst of configuration-gap lines, then one per second.
		gapLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Table returns the validated static table. Callers must not modify it.
func (r *TierResolver) Table() *ratelimit.TierTable {
	return r.table
}

// Resolve returns the quotas for req.
// Unknown endpoints are misuse and return an error wrapping ratelimit.ErrUnknownEndpoint.
// Unknown tiers and roles resolve to the fallback quota.
// Override failures never surface; they fall back to the static table.
func (r *TierResolver) Resolve(ctx context.Context, req ratelimit.Request) (ResolvedQuotas, error) {
	out, err := r.ResolveActor(req)
	if err != nil {
		return ResolvedQuotas{}, err
	}
	r.ResolveGroup(ctx, req, &out)
	return out, nil
}

// ResolveActor fills in the endpoint, normalized tier and role, and the
// actor quota. Unverified requests get the fallback quota. It never consults
// the override resolver.
func (r *TierResolver) ResolveActor(req ratelimit.Request) (ResolvedQuotas, error) {
	if req.Endpoint == "" {
		return ResolvedQuotas{}, fmt.Errorf("%w: endpoint is required", ratelimit.ErrInvalidRequest)
	}
	if !r.table.KnownEndpoint(req.Endpoint) {
		return ResolvedQuotas{}, fmt.Errorf("%w: %q", ratelimit.ErrUnknownEndpoint, req.Endpoint)
	}

	tier, role := r.table.Normalize(req.Tier, req.Role)
	out := ResolvedQuotas{
		Endpoint: req.Endpoint,
		Tier:     tier,
		Role:     role,
	}

	if req.Unverified {
		out.Actor = r.table.Fallback.For(req.Endpoint)
		return out, nil
	}
	actor, found := r.table.ActorQuota(tier, role, req.Endpoint)
	if !found {
		r.logGap("actor", tier, role, req.Endpoint)
	}
	out.Actor = actor
	return out, nil
}

// ResolveGroup adds the group quota to q, which must come from ResolveActor
// for the same req. Requests without a group leave q unchanged.
func (r *TierResolver) ResolveGroup(ctx context.Context, req ratelimit.Request, q *ResolvedQuotas) {
	if req.GroupID == "" || req.Unverified {
		return
	}

	group, found := r.table.GroupQuota(q.Tier, q.Endpoint)
	if !found {
		r.logGap("group", q.Tier, "", q.Endpoint)
	}
	if o, ok := r.lookupOverride(ctx, req.GroupID, q.Endpoint); ok {
		group = o
		q.Overridden = true
	}
	q.Group = group
	q.HasGroup = true
}

type overrideResult struct {
	quota ratelimit.Quota
	ok    bool
	err   error
}

var errOverridePanic = errors.New("override resolver panicked")

// lookupOverride runs the override resolver with its own deadline.
// The resolver runs on a separate goroutine so a resolver that ignores its
// context cannot hold up the check; its late answer is discarded.
func (r *TierResolver) lookupOverride(ctx context.Context, groupID, endpoint string) (ratelimit.Quota, bool) {
	if r.overrides == nil {
		return ratelimit.Quota{}, false
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan overrideResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- overrideResult{err: fmt.Errorf("%w: %v", errOverridePanic, p)}
			}
		}()
		q, ok, err := r.overrides.ResolveOverride(lookupCtx, groupID, endpoint)
		done <- overrideResult{quota: q, ok: ok, err: err}
	}()

	var res overrideResult
	select {
	case res = <-done:
	case <-lookupCtx.Done():
		r.fallback(ctx, FallbackTimeout, groupID, endpoint, lookupCtx.Err())
		return ratelimit.Quota{}, false
	}

	switch {
	case errors.Is(res.err, errOverridePanic):
		r.fallback(ctx, FallbackPanic, groupID, endpoint, res.err)
		return ratelimit.Quota{}, false
	case errors.Is(res.err, context.DeadlineExceeded):
		r.fallback(ctx, FallbackTimeout, groupID, endpoint, res.err)
		return ratelimit.Quota{}, false
	case res.err != nil:
		r.fallback(ctx, FallbackError, groupID, endpoint, res.err)
		return ratelimit.Quota{}, false
	case !res.ok:
		return ratelimit.Quota{}, false
	case !res.quota.Valid():
		r.fallback(ctx, FallbackMalformed, groupID, endpoint,
			fmt.Errorf("limit %d per %s", res.quota.Limit, res.quota.Window))
		return ratelimit.Quota{}, false
	}
	return res.quota, true
}

func (r *TierResolver) fallback(ctx context.Context, reason, groupID, endpoint string, err error) {
	r.logger.Warn("quota override unavailable, using tier table",
		"reason", reason,
		"group", groupID,
		"endpoint", endpoint,
		"error", err,
	)
	if r.onFallback != nil {
		r.onFallback(ctx, reason)
	}
}

func (r *TierResolver) logGap(scope, tier, role, endpoint string) {
	if !r.gapLog.Allow() {
		return
	}
	r.logger.Debug("no tier table entry, using fallback quota",
		"scope", scope,
		"tier", tier,
		"role", role,
		"endpoint", endpoint,
	)
}

// ChainResolver asks each resolver in order and returns the first hit.
// Errors from one resolver do not stop the chain; they are returned joined
// only when no resolver produced an override.
type ChainResolver []ratelimit.OverrideResolver

// ResolveOverride implements ratelimit.OverrideResolver.
func (c ChainResolver) ResolveOverride(ctx context.Context, groupID, endpoint string) (ratelimit.Quota, bool, error) {
	var errs []error
	for _, r := range c {
		q, ok, err := r.ResolveOverride(ctx, groupID, endpoint)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return q, true, nil
		}
	}
	return ratelimit.Quota{}, false, errors.Join(errs...)
}

var _ ratelimit.OverrideResolver = ChainResolver(nil)
