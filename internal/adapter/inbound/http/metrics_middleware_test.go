package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

func TestMetricsMiddleware_StatusClasses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.Handler
		want    string
	}{
		{"ok", statusHandler(http.StatusOK), "ok"},
		{"implicit ok", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "body")
		}), "ok"},
		{"nothing written", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), "ok"},
		{"throttled", statusHandler(http.StatusTooManyRequests), "throttled"},
		{"bad request", statusHandler(http.StatusBadRequest), "client_error"},
		{"server error", statusHandler(http.StatusInternalServerError), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetrics(prometheus.NewRegistry())
			h := MetricsMiddleware(metrics)(tt.handler)
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/query", nil))

			if got := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("POST", tt.want)); got != 1 {
				t.Errorf("requests_total{status=%q} = %v, want 1", tt.want, got)
			}
			if got := testutil.CollectAndCount(metrics.RequestDuration); got != 1 {
				t.Errorf("request_duration_seconds series = %d, want 1", got)
			}
		})
	}
}

func TestMetricsMiddleware_FirstStatusWins(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := MetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.WriteHeader(http.StatusOK) // superfluous, ignored by net/http too
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/query", nil))

	if got := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("GET", "throttled")); got != 1 {
		t.Errorf("throttled count = %v, want 1", got)
	}
}

func TestMetricsMiddleware_SkipsOperationalPaths(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := MetricsMiddleware(metrics)(statusHandler(http.StatusOK))

	for _, path := range []string{"/metrics", "/health", "/stats"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.CollectAndCount(metrics.RequestsTotal); got != 0 {
		t.Errorf("requests_total series = %d, want 0 for operational paths", got)
	}
}

func TestMetricsMiddleware_CustomSkip(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := MetricsMiddleware(metrics, "/internal")(statusHandler(http.StatusOK))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/internal", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if got := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("GET", "ok")); got != 1 {
		t.Errorf("ok count = %v, want only /health counted", got)
	}
}
