package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the inbound HTTP adapter for admission control.
type Server struct {
	server        *http.Server
	addr          string
	certFile      string
	keyFile       string
	logger        *slog.Logger
	proxies       ratelimit.TrustedProxies
	upstream      http.Handler
	admission     *AdmissionMiddleware
	registry      *prometheus.Registry
	metrics       *Metrics
	healthChecker *HealthChecker
	stats         StatsSource

	listening chan net.Addr
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithLogger sets the logger for the HTTP server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTrustedProxies sets the peers allowed to assert X-Forwarded-For.
func WithTrustedProxies(p ratelimit.TrustedProxies) Option {
	return func(s *Server) {
		s.proxies = p
	}
}

// WithUpstream sets the handler admitted requests reach. Defaults to EchoHandler.
func WithUpstream(h http.Handler) Option {
	return func(s *Server) {
		s.upstream = h
	}
}

// WithAdmission enables admission control.
func WithAdmission(m *AdmissionMiddleware) Option {
	return func(s *Server) {
		s.admission = m
	}
}

// WithRegistry serves reg on /metrics and records HTTP metrics into metrics.
// metrics must be registered on reg.
func WithRegistry(reg *prometheus.Registry, metrics *Metrics) Option {
	return func(s *Server) {
		s.registry = reg
		s.metrics = metrics
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithStats serves src on /stats.
func WithStats(src StatsSource) Option {
	return func(s *Server) {
		s.stats = src
	}
}

// NewServer creates the HTTP adapter.
func NewServer(opts ...Option) *Server {
	s := &Server{
		addr:      "127.0.0.1:8080",
		logger:    slog.Default(),
		upstream:  EchoHandler(),
		listening: make(chan net.Addr, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.metrics = NewMetrics(s.registry)
	}
	return s
}

// Handler builds the routed handler with the full middleware chain.
//
// Middleware order (outermost first):
//  1. MetricsMiddleware - duration and status, outermost to capture everything
//  2. RequestID - extract or generate request ID and enrich logger
//  3. RealIP - resolve the client address through trusted proxies
//  4. Admission - actor and group quotas
func (s *Server) Handler() http.Handler {
	app := s.upstream
	if s.admission != nil {
		app = s.admission.Wrap(app)
	}
	app = RealIPMiddleware(s.proxies)(app)
	app = RequestIDMiddleware(s.logger)(app)
	if s.metrics != nil {
		app = MetricsMiddleware(s.metrics)(app)
	}

	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.Handle("/health", s.healthChecker.Handler())
	} else {
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	if s.stats != nil {
		mux.Handle("/stats", StatsHandler(s.stats))
	}
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.Handle("/", app)
	return mux
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	if err := s.registry.Register(collectors.NewGoCollector()); err != nil && !isAlreadyRegistered(err) {
		return err
	}
	if err := s.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil && !isAlreadyRegistered(err) {
		return err
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsEnabled := s.certFile != "" && s.keyFile != ""
	if tlsEnabled {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	select {
	case s.listening <- ln.Addr():
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsEnabled {
			s.logger.Info("starting HTTPS server", "addr", ln.Addr().String())
			err = s.server.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// Listening delivers the bound address once Start is listening.
func (s *Server) Listening() <-chan net.Addr {
	return s.listening
}

// shutdown performs graceful shutdown of the HTTP server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
