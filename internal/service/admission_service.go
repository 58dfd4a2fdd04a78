package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// tracerName identifies admission spans.
const tracerName = "github.com/Sentinel-Gate/Quotagate/internal/service"

// AdmissionObserver receives the outcome of every admission check.
// Implementations must be safe for concurrent use and must not block.
type AdmissionObserver interface {
	// ObserveDecision is called for every check that produced a decision.
	ObserveDecision(ctx context.Context, d ratelimit.Decision, elapsed time.Duration)

	// ObserveError is called for misuse and limiter backend failures.
	ObserveError(ctx context.Context, endpoint string, err error)

	// ObserveOverrideFallback is called when an override lookup fell back to the tier table.
	ObserveOverrideFallback(ctx context.Context, reason string)
}

// BackgroundCleaner is a background task tied to the service lifecycle.
type BackgroundCleaner interface {
	StartCleanup(ctx context.Context)
	Stop()
}

// AdmissionService combines the actor and group layers into one decision.
//
// The actor layer is always checked first. A group-layer rejection does not
// roll back the permit already recorded at the actor layer.
type AdmissionService struct {
	resolver  *TierResolver
	actor     ratelimit.WindowLimiter
	group     ratelimit.WindowLimiter
	observers []AdmissionObserver
	cleaner   BackgroundCleaner
	tracer    trace.Tracer
	logger    *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
}

// AdmissionOption configures AdmissionService.
type AdmissionOption func(*AdmissionService)

// WithObservers registers observers notified after every check.
func WithObservers(observers ...AdmissionObserver) AdmissionOption {
	return func(s *AdmissionService) {
		s.observers = append(s.observers, observers...)
	}
}

// WithCleaner ties a background cleaner (normally the expiry sweeper) to Start and Shutdown.
func WithCleaner(c BackgroundCleaner) AdmissionOption {
	return func(s *AdmissionService) {
		s.cleaner = c
	}
}

// WithTracerProvider sets the provider for check spans. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) AdmissionOption {
	return func(s *AdmissionService) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// NewAdmissionService creates the admission controller.
// actor and group may be the same limiter since keys are scope-prefixed.
func NewAdmissionService(
	resolver *TierResolver,
	actor ratelimit.WindowLimiter,
	group ratelimit.WindowLimiter,
	logger *slog.Logger,
	opts ...AdmissionOption,
) *AdmissionService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AdmissionService{
		resolver: resolver,
		actor:    actor,
		group:    group,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolver returns the tier resolver.
func (s *AdmissionService) Resolver() *TierResolver {
	return s.resolver
}

// Start launches background cleanup. Safe to call more than once.
func (s *AdmissionService) Start(ctx context.Context) {
	if s.cleaner == nil {
		return
	}
	s.startOnce.Do(func() {
		s.cleaner.StartCleanup(ctx)
		s.logger.Debug("admission service started")
	})
}

// Shutdown stops background cleanup and waits for it to exit. Safe to call more than once.
func (s *AdmissionService) Shutdown() {
	if s.cleaner == nil {
		return
	}
	s.stopOnce.Do(func() {
		s.cleaner.Stop()
		s.logger.Debug("admission service stopped")
	})
}

// Check decides whether the work described by req may proceed.
//
// Throttling is reported through Decision.Allowed. A non-nil error means
// either misuse (wrapping ratelimit.ErrInvalidRequest) or a failing limiter
// backend (wrapping ratelimit.ErrLimiterUnavailable).
func (s *AdmissionService) Check(ctx context.Context, req ratelimit.Request) (ratelimit.Decision, error) {
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "admission.check",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("quotagate.endpoint", req.Endpoint),
			attribute.Bool("quotagate.has_group", req.GroupID != ""),
		),
	)
	defer span.End()

	d, err := s.check(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		for _, o := range s.observers {
			o.ObserveError(ctx, req.Endpoint, err)
		}
		return ratelimit.Decision{}, err
	}

	span.SetAttributes(
		attribute.Bool("quotagate.allowed", d.Allowed),
		attribute.String("quotagate.layer", string(d.Layer)),
		attribute.String("quotagate.tier", d.Tier),
		attribute.String("quotagate.role", d.Role),
		attribute.Int("quotagate.remaining", d.Remaining),
	)
	for _, o := range s.observers {
		o.ObserveDecision(ctx, d, elapsed)
	}
	return d, nil
}

func (s *AdmissionService) check(ctx context.Context, req ratelimit.Request) (ratelimit.Decision, error) {
	actorKey, ok := ratelimit.ActorKey(req)
	if !ok {
		return ratelimit.Decision{}, fmt.Errorf("%w: actor identity or client address is required", ratelimit.ErrInvalidRequest)
	}

	quotas, err := s.resolver.ResolveActor(req)
	if err != nil {
		return ratelimit.Decision{}, err
	}

	actorRes, err := s.actor.Allow(ctx, actorKey, quotas.Actor, req.Weight)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: actor layer: %w", ratelimit.ErrLimiterUnavailable, err)
	}
	if !actorRes.Allowed {
		d := ratelimit.Rejected(ratelimit.LayerActor, actorRes, quotas.Endpoint, quotas.Tier, quotas.Role)
		d.Actor = &actorRes
		s.logger.Debug("admission rejected",
			"layer", d.Layer,
			"key", actorKey,
			"limit", d.Limit,
		)
		return d, nil
	}

	// Overrides are only looked up once the actor layer has admitted.
	groupKey, ok := ratelimit.GroupKey(req)
	if ok {
		s.resolver.ResolveGroup(ctx, req, &quotas)
	}
	if !ok || !quotas.HasGroup {
		d := ratelimit.Admitted(actorRes, nil, quotas.Endpoint, quotas.Tier, quotas.Role)
		d.Actor = &actorRes
		return d, nil
	}

	// The actor permit stays recorded even if the group layer rejects.
	groupRes, err := s.group.Allow(ctx, groupKey, quotas.Group, req.Weight)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: group layer: %w", ratelimit.ErrLimiterUnavailable, err)
	}
	if !groupRes.Allowed {
		d := ratelimit.Rejected(ratelimit.LayerGroup, groupRes, quotas.Endpoint, quotas.Tier, quotas.Role)
		d.Actor = &actorRes
		d.Group = &groupRes
		s.logger.Debug("admission rejected",
			"layer", d.Layer,
			"key", groupKey,
			"limit", d.Limit,
			"override", quotas.Overridden,
		)
		return d, nil
	}

	d := ratelimit.Admitted(actorRes, &groupRes, quotas.Endpoint, quotas.Tier, quotas.Role)
	d.Actor = &actorRes
	d.Group = &groupRes
	return d, nil
}

// FallbackNotifier returns a hook for WithFallbackHook that forwards
// override fallbacks to observers.
func FallbackNotifier(observers ...AdmissionObserver) func(ctx context.Context, reason string) {
	return func(ctx context.Context, reason string) {
		for _, o := range observers {
			o.ObserveOverrideFallback(ctx, reason)
		}
	}
}
