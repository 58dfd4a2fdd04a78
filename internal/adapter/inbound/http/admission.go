package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// Identity headers set by the upstream authentication layer.
const (
	HeaderActorID = "X-Actor-ID"
	HeaderGroupID = "X-Group-ID"
	HeaderTier    = "X-Tier"
	HeaderRole    = "X-Role"
)

// Checker makes admission decisions. Implemented by service.AdmissionService.
type Checker interface {
	Check(ctx context.Context, req ratelimit.Request) (ratelimit.Decision, error)
}

// IdentityFunc extracts the caller identity from a request.
// The middleware fills in Endpoint from the router.
type IdentityFunc func(r *http.Request) ratelimit.Request

// HeaderIdentity returns an IdentityFunc that reads the X-Actor-ID,
// X-Group-ID, X-Tier and X-Role headers, but only when the immediate peer is
// one of proxies. Any other caller is an unverified anonymous caller: it is
// keyed by client address and limited at the fallback quota, so it cannot pick
// another actor's key or its own tier. The client address comes from
// RealIPMiddleware.
func HeaderIdentity(proxies ratelimit.TrustedProxies) IdentityFunc {
	return func(r *http.Request) ratelimit.Request {
		peer := peerAddr(r)
		addr := ClientAddrFromContext(r.Context())
		if addr == "" {
			addr = peer
		}
		if !proxies.Trusts(peer) {
			return ratelimit.Request{ClientAddr: addr, Unverified: true}
		}
		return ratelimit.Request{
			ActorID:    strings.TrimSpace(r.Header.Get(HeaderActorID)),
			ClientAddr: addr,
			GroupID:    strings.TrimSpace(r.Header.Get(HeaderGroupID)),
			Tier:       strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderTier))),
			Role:       strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderRole))),
		}
	}
}

// AdmissionMiddleware rejects requests whose actor or group quota is exhausted.
type AdmissionMiddleware struct {
	checker  Checker
	router   *Router
	identity IdentityFunc
	now      func() time.Time
}

// AdmissionOption configures AdmissionMiddleware.
type AdmissionOption func(*AdmissionMiddleware)

// WithIdentity replaces the default identity, which trusts no peer's headers.
func WithIdentity(fn IdentityFunc) AdmissionOption {
	return func(m *AdmissionMiddleware) {
		m.identity = fn
	}
}

// WithNow sets the clock used for Retry-After.
func WithNow(now func() time.Time) AdmissionOption {
	return func(m *AdmissionMiddleware) {
		m.now = now
	}
}

// NewAdmissionMiddleware creates the middleware.
func NewAdmissionMiddleware(checker Checker, router *Router, opts ...AdmissionOption) *AdmissionMiddleware {
	m := &AdmissionMiddleware{
		checker:  checker,
		router:   router,
		identity: HeaderIdentity(ratelimit.TrustedProxies{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// rejectionBody is the JSON body of a 429 response.
type rejectionBody struct {
	Error   string `json:"error"`
	Layer   string `json:"layer"`
	Message string `json:"message"`
}

// Wrap returns next guarded by admission control.
// Paths without a route are passed through unchecked.
func (m *AdmissionMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint, ok := m.router.Match(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		logger := LoggerFromContext(r.Context())
		req := m.identity(r)
		req.Endpoint = endpoint

		d, err := m.checker.Check(r.Context(), req)
		switch {
		case errors.Is(err, ratelimit.ErrInvalidRequest):
			logger.Debug("admission misuse", "endpoint", endpoint, "error", err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		case err != nil:
			// Fail open: an unavailable limiter must not take the service down.
			logger.Error("admission check failed, allowing request", "endpoint", endpoint, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w.Header(), d)
		if !d.Allowed {
			w.Header().Set("X-RateLimit-Layer", string(d.Layer))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d, m.now())))
			logger.Info("request throttled",
				"endpoint", endpoint,
				"layer", d.Layer,
				"tier", d.Tier,
				"role", d.Role,
			)
			writeJSON(w, http.StatusTooManyRequests, rejectionBody{
				Error:   "rate limit exceeded",
				Layer:   string(d.Layer),
				Message: d.Message,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// retryAfterSeconds rounds up and never returns less than one second.
func retryAfterSeconds(d ratelimit.Decision, now time.Time) int {
	secs := int(math.Ceil(d.RetryAfter(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
