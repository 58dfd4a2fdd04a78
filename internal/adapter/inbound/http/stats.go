package http

import (
	"net/http"

	"github.com/Sentinel-Gate/Quotagate/internal/service"
)

// StatsSource provides admission counters.
type StatsSource interface {
	GetStats() service.Stats
	Reset()
}

// StatsHandler serves counters on GET and resets them on DELETE.
func StatsHandler(src StatsSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			writeJSON(w, http.StatusOK, src.GetStats())
		case http.MethodDelete:
			src.Reset()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Allow", "GET, HEAD, DELETE")
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
	})
}

// EchoHandler is the default upstream: it reports what was admitted.
func EchoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "admitted",
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": RequestIDFromContext(r.Context()),
		})
	})
}
