package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Quotagate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/Quotagate/internal/config"
	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Quotagate/internal/observability"
	"github.com/Sentinel-Gate/Quotagate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the admission server",
	Long: `Start the Quotagate HTTP server.

Requests on configured routes (rate_limit.routes) are admission-checked and
then served by the built-in echo handler. Identity is read from the
X-Actor-ID, X-Group-ID, X-Tier and X-Role headers, which are honoured only
from peers listed in server.trusted_proxies. Requests from any other peer are
limited as anonymous callers by client address.

Examples:
  # Start with config file settings
  quotagate start

  # Start with debug logging and stdout traces
  quotagate start --dev

  # Start with a specific config file
  quotagate --config /path/to/quotagate.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, stdout traces)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(devMode)
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("quotagate stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled, do not use in production")
	}

	providers, err := observability.Setup(observability.Config{
		TraceStdout:     cfg.Telemetry.TraceStdout,
		MetricsStdout:   cfg.Telemetry.MetricsStdout,
		MetricsInterval: cfg.Telemetry.ExportEvery(),
		Writer:          os.Stdout,
		Version:         Version,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	otelObserver, err := observability.NewObserver(providers.MeterProvider)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := http.NewMetrics(reg)
	stats := service.NewStatsService()

	overrides, err := openOverrideStore(ctx, cfg.Overrides, logger)
	if err != nil {
		return err
	}
	if overrides != nil {
		defer overrides.Close()
		logger.Info("quota overrides enabled", "source", cfg.Overrides.Source)
	}
	if so, ok := overrides.(*stateOverrides); ok {
		go reloadOnSignal(ctx, so, logger)
	}

	adm, err := buildAdmission(cfg, overrides, logger,
		[]service.AdmissionObserver{metrics, stats, otelObserver},
		service.WithTracerProvider(providers.TracerProvider),
	)
	if err != nil {
		return err
	}
	adm.sweeper.OnSweep(metrics.ObserveSweep)
	adm.service.Start(ctx)
	defer adm.service.Shutdown()

	table := adm.service.Resolver().Table()
	logger.Info("quota table loaded",
		"tiers", len(table.Tiers),
		"roles", len(table.Roles),
		"endpoints", len(table.Endpoints),
		"file", cfg.RateLimit.TiersFile,
	)

	healthOpts := []http.HealthOption{
		http.WithLimiter(string(ratelimit.ScopeActor), adm.actor),
		http.WithLimiter(string(ratelimit.ScopeGroup), adm.group),
	}
	if p, ok := overrides.(interface{ Ping(context.Context) error }); ok {
		healthOpts = append(healthOpts, http.WithProbe("overrides_"+cfg.Overrides.Source, p.Ping))
	}

	proxies, err := ratelimit.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	serverOpts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithTrustedProxies(proxies),
		http.WithRegistry(reg, metrics),
		http.WithHealthChecker(http.NewHealthChecker(Version, healthOpts...)),
		http.WithStats(stats),
	}
	if cfg.Server.TLSCert != "" {
		serverOpts = append(serverOpts, http.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey))
	}
	if cfg.RateLimit.Enabled {
		router := http.NewRouter(cfg.RateLimit.Routes)
		admission := http.NewAdmissionMiddleware(adm.service, router,
			http.WithIdentity(http.HeaderIdentity(proxies)))
		serverOpts = append(serverOpts, http.WithAdmission(admission))
		logger.Info("admission control enabled", "routes", router.Len())
	} else {
		logger.Warn("admission control disabled, requests are not rate limited")
	}

	return http.NewServer(serverOpts...).Start(ctx)
}

// reloadOnSignal re-reads the overrides file whenever a reload signal arrives.
func reloadOnSignal(ctx context.Context, so *stateOverrides, logger *slog.Logger) {
	sigs := reloadSignals()
	if len(sigs) == 0 {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := so.resolver.Reload(); err != nil {
				logger.Error("overrides reload failed, keeping previous set", "error", err)
				continue
			}
			logger.Info("overrides reloaded", "count", so.resolver.Len())
		}
	}
}

// pidFilePath returns the path of the server PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".quotagate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "quotagate-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
