package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// MeterName scopes the admission instruments.
const MeterName = "github.com/Sentinel-Gate/Quotagate/internal/observability"

// Observer records admission outcomes as OpenTelemetry metrics.
type Observer struct {
	decisions metric.Int64Counter
	duration  metric.Float64Histogram
	errors    metric.Int64Counter
	fallbacks metric.Int64Counter
}

// NewObserver creates the instruments on mp.
func NewObserver(mp metric.MeterProvider) (*Observer, error) {
	meter := mp.Meter(MeterName)

	decisions, err := meter.Int64Counter(
		"quotagate.admission.decisions",
		metric.WithDescription("Admission decisions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"quotagate.admission.duration",
		metric.WithDescription("Admission check duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	errs, err := meter.Int64Counter(
		"quotagate.admission.errors",
		metric.WithDescription("Admission checks that returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}

	fallbacks, err := meter.Int64Counter(
		"quotagate.override.fallbacks",
		metric.WithDescription("Override lookups that fell back to the tier table"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallbacks counter: %w", err)
	}

	return &Observer{
		decisions: decisions,
		duration:  duration,
		errors:    errs,
		fallbacks: fallbacks,
	}, nil
}

// ObserveDecision records one decision.
func (o *Observer) ObserveDecision(ctx context.Context, d ratelimit.Decision, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.Bool("allowed", d.Allowed),
		attribute.String("layer", string(d.Layer)),
		attribute.String("endpoint", d.Endpoint),
	)
	o.decisions.Add(ctx, 1, attrs)
	o.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("endpoint", d.Endpoint)))
}

// ObserveError records a failed check, classified as misuse or backend failure.
func (o *Observer) ObserveError(ctx context.Context, _ string, err error) {
	kind := "limiter"
	if errors.Is(err, ratelimit.ErrInvalidRequest) {
		kind = "misuse"
	}
	o.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ObserveOverrideFallback records an override fallback.
func (o *Observer) ObserveOverrideFallback(ctx context.Context, reason string) {
	o.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
