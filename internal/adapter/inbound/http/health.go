package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// healthProbeTimeout bounds each dependency probe.
const healthProbeTimeout = 2 * time.Second

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// Sizer reports the number of live keys in a limiter.
type Sizer interface {
	Size() int
}

// ProbeFunc checks an external dependency.
type ProbeFunc func(ctx context.Context) error

type namedSizer struct {
	name  string
	sizer Sizer
}

type namedProbe struct {
	name  string
	probe ProbeFunc
}

// HealthChecker verifies component health.
type HealthChecker struct {
	limiters []namedSizer
	probes   []namedProbe
	version  string
}

// HealthOption configures HealthChecker.
type HealthOption func(*HealthChecker)

// WithLimiter reports the key count of a limiter.
func WithLimiter(name string, s Sizer) HealthOption {
	return func(h *HealthChecker) {
		h.limiters = append(h.limiters, namedSizer{name: name, sizer: s})
	}
}

// WithProbe adds a dependency whose failure marks the service unhealthy.
func WithProbe(name string, p ProbeFunc) HealthOption {
	return func(h *HealthChecker) {
		h.probes = append(h.probes, namedProbe{name: name, probe: p})
	}
}

// NewHealthChecker creates a HealthChecker.
func NewHealthChecker(version string, opts ...HealthOption) *HealthChecker {
	h := &HealthChecker{version: version}
	for _, opt := range opts {
		opt(h)
	}
	sort.Slice(h.limiters, func(i, j int) bool { return h.limiters[i].name < h.limiters[j].name })
	return h
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if len(h.limiters) == 0 {
		checks["rate_limiter"] = "not configured"
	}
	for _, l := range h.limiters {
		// Size takes every shard lock; a hang here means a stuck limiter.
		checks["limiter_"+l.name] = fmt.Sprintf("ok: %d keys", l.sizer.Size())
	}

	for _, p := range h.probes {
		pctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		err := p.probe(pctx)
		cancel()
		if err != nil {
			checks[p.name] = "unavailable: " + err.Error()
			healthy = false
			continue
		}
		checks[p.name] = "ok"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		status := http.StatusOK
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})
}

// healthHandler is used when no checker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Checks: map[string]string{}})
	})
}
