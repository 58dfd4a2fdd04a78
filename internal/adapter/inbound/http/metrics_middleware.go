package http

import (
	"net/http"
	"slices"
	"time"
)

// operationalPaths are served without being counted as traffic.
var operationalPaths = []string{"/metrics", "/health", "/stats"}

// MetricsMiddleware records request duration by method and request count by
// method and status class. Requests to skip, or to the operational endpoints
// when skip is empty, pass through unrecorded.
func MetricsMiddleware(metrics *Metrics, skip ...string) func(http.Handler) http.Handler {
	if len(skip) == 0 {
		skip = operationalPaths
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(skip, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, statusClass(rec.Status())).Inc()
		})
	}
}

// statusRecorder remembers the first status written. A body write without
// an explicit WriteHeader counts as 200, as net/http does.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Status returns the recorded status, 200 if nothing was written.
func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusClass maps a status code to the status label:
// ok, throttled, client_error or error.
func statusClass(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "throttled"
	case code < 400:
		return "ok"
	case code < 500:
		return "client_error"
	default:
		return "error"
	}
}
