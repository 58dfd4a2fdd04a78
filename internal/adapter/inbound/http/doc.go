// Package http exposes admission control over HTTP for Quotagate.
//
// Requests whose path matches a configured route are checked against the
// actor and group quotas before reaching the wrapped handler. Identity is
// taken from headers set by the upstream authentication layer, and only when
// the immediate peer is a trusted proxy.
//
// # Usage
//
//	reg := prometheus.NewRegistry()
//	metrics := http.NewMetrics(reg)
//	admission := http.NewAdmissionMiddleware(svc, http.NewRouter(routes),
//	    http.WithIdentity(http.HeaderIdentity(proxies)))
//	server := http.NewServer(
//	    http.WithAddr(":8080"),
//	    http.WithRegistry(reg, metrics),
//	    http.WithAdmission(admission),
//	)
//	err := server.Start(ctx)
//
// # Endpoints
//
//	GET /metrics - Prometheus metrics
//	GET /health  - component health, 503 when degraded
//	GET /stats   - admission counters as JSON, DELETE resets them
//	*   /...     - admission-checked, then served by the upstream handler
//
// # Request Headers
//
//	X-Actor-ID      - authenticated actor; absent means anonymous
//	                  (identity headers are ignored from untrusted peers)
//	X-Group-ID      - organization or team the actor belongs to
//	X-Tier          - subscription tier of the group
//	X-Role          - role of the actor within the group
//	X-Forwarded-For - client address, honoured only from trusted proxies
//	X-Request-ID    - correlation ID, generated when absent
//
// # Response Headers
//
//	X-RateLimit-Limit     - limit of the layer reported
//	X-RateLimit-Remaining - permits left in the window
//	X-RateLimit-Reset     - unix seconds at which a permit frees up
//	X-RateLimit-Layer     - layer that rejected the request
//	Retry-After           - seconds to wait, on 429 only
//
// # Status Codes
//
//	429 - the actor or group quota is exhausted
//	400 - the request cannot be attributed to an actor or endpoint
package http
