package http

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/Quotagate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Quotagate/internal/service"
)

// Metrics holds all Prometheus metrics for Quotagate.
// It implements service.AdmissionObserver.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	AdmissionDecisions *prometheus.CounterVec
	AdmissionDuration  prometheus.Histogram
	AdmissionErrors    *prometheus.CounterVec
	OverrideFallbacks  *prometheus.CounterVec
	RateLimitKeys      *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/throttled/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "quotagate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		AdmissionDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by endpoint and rejecting layer",
			},
			[]string{"endpoint", "layer"}, // layer=none/actor/group
		),
		AdmissionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "quotagate",
				Name:      "admission_duration_seconds",
				Help:      "Time spent deciding admission",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
		),
		AdmissionErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "admission_errors_total",
				Help:      "Admission checks that returned an error",
			},
			[]string{"kind"}, // kind=misuse/limiter
		),
		OverrideFallbacks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotagate",
				Name:      "override_fallbacks_total",
				Help:      "Override lookups that fell back to the tier table",
			},
			[]string{"reason"},
		),
		RateLimitKeys: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "quotagate",
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit keys",
			},
			[]string{"limiter"},
		),
	}
}

// ObserveDecision implements service.AdmissionObserver.
func (m *Metrics) ObserveDecision(_ context.Context, d ratelimit.Decision, elapsed time.Duration) {
	m.AdmissionDecisions.WithLabelValues(d.Endpoint, string(d.Layer)).Inc()
	m.AdmissionDuration.Observe(elapsed.Seconds())
}

// ObserveError implements service.AdmissionObserver.
func (m *Metrics) ObserveError(_ context.Context, _ string, err error) {
	kind := "limiter"
	if errors.Is(err, ratelimit.ErrInvalidRequest) {
		kind = "misuse"
	}
	m.AdmissionErrors.WithLabelValues(kind).Inc()
}

// ObserveOverrideFallback implements service.AdmissionObserver.
func (m *Metrics) ObserveOverrideFallback(_ context.Context, reason string) {
	m.OverrideFallbacks.WithLabelValues(reason).Inc()
}

// ObserveSweep updates the key gauge. Register with memory.Sweeper.OnSweep.
func (m *Metrics) ObserveSweep(reports []memory.SweepReport) {
	for _, r := range reports {
		m.RateLimitKeys.WithLabelValues(r.Name).Set(float64(r.Remaining))
	}
}

var _ service.AdmissionObserver = (*Metrics)(nil)
