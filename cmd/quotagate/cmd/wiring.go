package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Sentinel-Gate/Quotagate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Quotagate/internal/adapter/outbound/redisstore"
	"github.com/Sentinel-Gate/Quotagate/internal/adapter/outbound/sqlitestore"
	"github.com/Sentinel-Gate/Quotagate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/Quotagate/internal/config"
	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Quotagate/internal/service"
)

// overrideStore is an override source that can also be edited.
// Implemented by the sqlite and redis stores and by stateOverrides.
type overrideStore interface {
	ratelimit.OverrideResolver
	SetOverride(ctx context.Context, o ratelimit.Override) error
	DeleteOverride(ctx context.Context, groupID, endpoint string) (bool, error)
	ListOverrides(ctx context.Context) ([]ratelimit.Override, error)
	Close() error
}

// stateOverrides adapts the JSON overrides file to overrideStore.
type stateOverrides struct {
	store    *state.FileStateStore
	resolver *state.OverrideResolver
}

func (s *stateOverrides) ResolveOverride(ctx context.Context, groupID, endpoint string) (ratelimit.Quota, bool, error) {
	return s.resolver.ResolveOverride(ctx, groupID, endpoint)
}

func (s *stateOverrides) SetOverride(_ context.Context, o ratelimit.Override) error {
	return s.store.SetOverride(state.EntryFromOverride(o))
}

func (s *stateOverrides) DeleteOverride(_ context.Context, groupID, endpoint string) (bool, error) {
	return s.store.DeleteOverride(groupID, endpoint)
}

func (s *stateOverrides) ListOverrides(context.Context) ([]ratelimit.Override, error) {
	entries, err := s.store.ListOverrides()
	if err != nil {
		return nil, err
	}
	out := make([]ratelimit.Override, len(entries))
	for i, e := range entries {
		out[i] = e.Override()
	}
	return out, nil
}

func (s *stateOverrides) Close() error { return nil }

var (
	_ overrideStore = (*stateOverrides)(nil)
	_ overrideStore = (*sqlitestore.OverrideStore)(nil)
	_ overrideStore = (*redisstore.OverrideStore)(nil)
)

// openOverrideStore opens the configured source. It returns nil for source none.
func openOverrideStore(ctx context.Context, cfg config.OverridesConfig, logger *slog.Logger) (overrideStore, error) {
	switch cfg.Source {
	case config.OverrideSourceState:
		fs := state.NewFileStateStore(cfg.StatePath, logger)
		resolver, err := state.NewOverrideResolver(fs, cfg.RefreshEvery(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load overrides file: %w", err)
		}
		return &stateOverrides{store: fs, resolver: resolver}, nil
	case config.OverrideSourceSQLite:
		s, err := sqlitestore.Open(ctx, cfg.SQLitePath, sqlitestore.WithCacheTTL(cfg.RefreshEvery()))
		if err != nil {
			return nil, fmt.Errorf("failed to open overrides database: %w", err)
		}
		return s, nil
	case config.OverrideSourceRedis:
		return redisstore.NewOverrideStore(redisstore.NewClient(cfg.RedisAddr), redisstore.WithPrefix(cfg.RedisPrefix)), nil
	default:
		return nil, nil
	}
}

// loadTierTable returns the configured table, or the built-in one.
func loadTierTable(cfg config.RateLimitConfig) (*ratelimit.TierTable, error) {
	if cfg.TiersFile == "" {
		return ratelimit.DefaultTierTable(), nil
	}
	return config.LoadTierTable(cfg.TiersFile)
}

// admission bundles the components behind one AdmissionService.
type admission struct {
	service   *service.AdmissionService
	actor     *memory.MemoryRateLimiter
	group     *memory.MemoryRateLimiter
	sweeper   *memory.Sweeper
	overrides overrideStore
}

// buildAdmission wires the tier resolver, limiters, and sweeper.
// overrides and observers may be nil. Observers see every decision and every
// override fallback.
func buildAdmission(
	cfg *config.Config,
	overrides overrideStore,
	logger *slog.Logger,
	observers []service.AdmissionObserver,
	opts ...service.AdmissionOption,
) (*admission, error) {
	table, err := loadTierTable(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	resolverOpts := []service.TierResolverOption{
		service.WithOverrideTimeout(cfg.RateLimit.OverrideDeadline()),
		service.WithFallbackHook(service.FallbackNotifier(observers...)),
	}
	if overrides != nil {
		resolverOpts = append(resolverOpts, service.WithOverrideResolver(overrides))
	}
	resolver, err := service.NewTierResolver(table, logger, resolverOpts...)
	if err != nil {
		return nil, err
	}

	actor := memory.NewRateLimiter(memory.WithShards(cfg.RateLimit.Shards))
	group := memory.NewRateLimiter(memory.WithShards(cfg.RateLimit.Shards))
	sweeper := memory.NewSweeper(cfg.RateLimit.CleanupEvery(), logger,
		memory.SweepTarget{Name: string(ratelimit.ScopeActor), Limiter: actor},
		memory.SweepTarget{Name: string(ratelimit.ScopeGroup), Limiter: group},
	)

	opts = append(opts, service.WithObservers(observers...), service.WithCleaner(sweeper))
	svc := service.NewAdmissionService(resolver, actor, group, logger, opts...)

	return &admission{
		service:   svc,
		actor:     actor,
		group:     group,
		sweeper:   sweeper,
		overrides: overrides,
	}, nil
}

// loadConfig loads and validates configuration, applying dev mode first.
func loadConfig(dev bool) (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dev {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// newLogger writes text logs to stderr at the configured level.
// DevMode always forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
