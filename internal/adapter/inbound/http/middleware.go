package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/Quotagate/internal/ctxkey"
	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// LoggerKey is the context key for the enriched logger.
var LoggerKey = ctxkey.LoggerKey{}

// ClientAddrKey is the context key for the resolved client address.
var ClientAddrKey = ctxkey.ClientAddrKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
// The request ID is stored in context using RequestIDKey.
// An enriched logger with request_id field is stored using LoggerKey.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestIDFromContext returns the request ID, or "" outside RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// RealIPMiddleware resolves the client address used to identify anonymous callers.
// X-Forwarded-For is honoured only when the immediate peer is a trusted proxy,
// so clients cannot pick their own rate limit key.
// The address is stored in context using ClientAddrKey.
func RealIPMiddleware(proxies ratelimit.TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := proxies.ClientAddress(peerAddr(r), r.Header.Get("X-Forwarded-For"))
			ctx := context.WithValue(r.Context(), ClientAddrKey, addr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientAddrFromContext returns the address stored by RealIPMiddleware.
func ClientAddrFromContext(ctx context.Context) string {
	addr, _ := ctx.Value(ClientAddrKey).(string)
	return addr
}

// peerAddr strips the port from r.RemoteAddr.
func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
