package observability

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumWhere(t *testing.T, m metricdata.Metrics, key attribute.Key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(key); ok && v.Emit() == value {
			total += dp.Value
		}
	}
	return total
}

func TestObserver_RecordsDecisions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	obs, err := NewObserver(mp)
	if err != nil {
		t.Fatalf("NewObserver() error: %v", err)
	}

	ctx := context.Background()
	obs.ObserveDecision(ctx, ratelimit.Decision{Allowed: true, Layer: ratelimit.LayerNone, Endpoint: "query"}, time.Millisecond)
	obs.ObserveDecision(ctx, ratelimit.Decision{Allowed: true, Layer: ratelimit.LayerNone, Endpoint: "query"}, time.Millisecond)
	obs.ObserveDecision(ctx, ratelimit.Decision{Layer: ratelimit.LayerGroup, Endpoint: "query"}, time.Millisecond)
	obs.ObserveError(ctx, "delete", fmt.Errorf("%w: %q", ratelimit.ErrUnknownEndpoint, "delete"))
	obs.ObserveError(ctx, "query", fmt.Errorf("%w: down", ratelimit.ErrLimiterUnavailable))
	obs.ObserveOverrideFallback(ctx, "timeout")

	metrics := collect(t, reader)

	decisions, ok := metrics["quotagate.admission.decisions"]
	if !ok {
		t.Fatal("decisions counter not exported")
	}
	if got := sumWhere(t, decisions, "layer", "none"); got != 2 {
		t.Errorf("allowed decisions = %d, want 2", got)
	}
	if got := sumWhere(t, decisions, "layer", "group"); got != 1 {
		t.Errorf("group rejections = %d, want 1", got)
	}

	errs := metrics["quotagate.admission.errors"]
	if got := sumWhere(t, errs, "kind", "misuse"); got != 1 {
		t.Errorf("misuse errors = %d, want 1", got)
	}
	if got := sumWhere(t, errs, "kind", "limiter"); got != 1 {
		t.Errorf("limiter errors = %d, want 1", got)
	}

	if got := sumWhere(t, metrics["quotagate.override.fallbacks"], "reason", "timeout"); got != 1 {
		t.Errorf("timeout fallbacks = %d, want 1", got)
	}

	hist, ok := metrics["quotagate.admission.duration"].Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 3 {
		t.Errorf("duration histogram = %+v, want 3 observations", metrics["quotagate.admission.duration"].Data)
	}
}

func TestSetup_StdoutExporters(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(Config{TraceStdout: true, MetricsStdout: true, Writer: &buf, Version: "test"})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}

	_, span := p.TracerProvider.Tracer("test").Start(context.Background(), "probe")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"probe"`)) {
		t.Errorf("expected the span to be exported on shutdown, got %q", buf.String())
	}
}

func TestSetup_NoExporters(t *testing.T) {
	p, err := Setup(Config{})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}
