package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/api"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/auth"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/config"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/credential"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/dispatch"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/gateway"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/metrics"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/observability"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/pgstore"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/pricing"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/provider"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/provider/anthropic"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/provider/gemini"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/provider/openai"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/quota"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/secret"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/secret/env"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/secret/vault"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/usagelog"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
)

const dbPoolInterval = 15 * time.Second

// app holds every long-lived component of a running proxy.
type app struct {
	logger *slog.Logger

	registry   *vendor.Registry
	pricing    *pricing.Calculator
	secrets    *secret.Manager
	cached     *secret.CachedProvider
	systemKeys *secret.VendorKeys
	resolver   *credential.Resolver
	authn      *auth.Authenticator
	limiter    *quota.Limiter
	usage      *usagelog.Logger
	spool      *usagelog.Spool
	tracer     *observability.TracerProvider
	db         *sql.DB
	redis      *redis.Client

	handler http.Handler
	cancel  context.CancelFunc
}

// buildApp wires the pipeline from cfg. The returned app must be closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a = &app{logger: logger, cancel: cancel}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.tracer, err = observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
		Version:     version,
	})
	if err != nil {
		return a, fmt.Errorf("init tracing: %w", err)
	}

	if err := a.buildSecrets(cfg); err != nil {
		return a, err
	}

	regOpts, err := cfg.RegistryOptions()
	if err != nil {
		return a, err
	}
	a.registry, err = vendor.NewRegistry(regOpts)
	if err != nil {
		return a, fmt.Errorf("build vendor registry: %w", err)
	}
	a.pricing = pricing.NewCalculator(cfg.PricingTable(a.registry.Models()))

	if needsPostgres(cfg) {
		a.db, err = pgstore.Open(ctx, cfg.Postgres)
		if err != nil {
			return a, err
		}
		go metrics.WatchDBPool(bgCtx, "tenants", a.db, dbPoolInterval)
	}

	credStore, err := a.credentialStore(cfg)
	if err != nil {
		return a, err
	}
	a.resolver = credential.NewResolver(credStore, a.systemKeys, logger,
		credential.WithTouchTimeout(cfg.Credentials.TouchTimeout))

	if cfg.Auth.Enabled {
		store, err := a.authStore(cfg)
		if err != nil {
			return a, err
		}
		a.authn, err = auth.NewAuthenticator(store, cfg.Auth.Cache, logger)
		if err != nil {
			return a, fmt.Errorf("build authenticator: %w", err)
		}
	}

	var backend quota.Backend
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		backend = quota.NewRedisBackend(a.redis, cfg.Quota.KeyPrefix)
	}
	a.limiter = quota.NewLimiter(cfg.Quota, backend, logger)
	go a.sweepQuotas(bgCtx, cfg.Quota.Window)

	if err := a.buildUsageLog(ctx, cfg); err != nil {
		return a, err
	}

	dispatcher := dispatch.New(nil, logger, dispatch.WithTracer(a.tracer.Tracer()))

	pipeline, err := gateway.New(gateway.Deps{
		Registry:    a.registry,
		Adapters:    provider.NewSet(openai.New(), anthropic.New(), gemini.New()),
		Credentials: a.resolver,
		Quota:       a.limiter,
		Dispatcher:  dispatcher,
		Pricing:     a.pricing,
		Usage:       a.usage,
		Logger:      logger,
	})
	if err != nil {
		return a, err
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	a.handler = api.NewHandler(api.Options{
		Pipeline:      pipeline,
		Authenticator: a.authn,
		Logger:        logger,
		MaxBodySize:   cfg.Server.MaxRequestBytes,
		MetricsPath:   metricsPath,
		Checks:        a.readinessChecks(),
	}).Router()

	return a, nil
}

func (a *app) buildSecrets(cfg *config.Config) error {
	a.secrets = secret.NewManager()
	a.secrets.Register("env", env.New())
	if cfg.Secrets.Vault.Enabled {
		p, err := vault.New(cfg.Secrets.Vault.Config, a.logger)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		a.secrets.Register("vault", p)
	}
	a.cached = secret.NewCachedProvider(a.secrets, cfg.Secrets.CacheTTL)
	a.systemKeys = secret.NewVendorKeys(a.cached, cfg.SystemKeyRefs())
	return nil
}

func needsPostgres(cfg *config.Config) bool {
	return cfg.Credentials.Store == config.StorePostgres ||
		(cfg.Auth.Enabled && cfg.Auth.Store == config.StorePostgres)
}

func (a *app) credentialStore(cfg *config.Config) (credential.Store, error) {
	switch cfg.Credentials.Store {
	case config.StoreHTTP:
		return credential.NewHTTPStore(cfg.Credentials.HTTP, nil), nil
	case config.StorePostgres:
		return credential.NewPostgresStore(a.db), nil
	case config.StoreNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown credential store %q", cfg.Credentials.Store)
	}
}

func (a *app) authStore(cfg *config.Config) (auth.Store, error) {
	switch cfg.Auth.Store {
	case config.StoreStatic:
		store := auth.NewMemoryStore()
		for key, tenant := range cfg.TenantKeys() {
			store.Add(key, tenant)
		}
		return store, nil
	case config.StoreHTTP:
		return auth.NewHTTPStore(cfg.Auth.HTTP.BaseURL, cfg.Auth.HTTP.ServiceToken, cfg.Auth.HTTP.Timeout), nil
	case config.StorePostgres:
		return auth.NewPostgresStore(a.db), nil
	default:
		return nil, fmt.Errorf("unknown auth store %q", cfg.Auth.Store)
	}
}

func (a *app) buildUsageLog(ctx context.Context, cfg *config.Config) error {
	sinks, err := buildSinks(ctx, cfg, a.logger)
	if err != nil {
		return err
	}

	if cfg.UsageLog.SpoolPath != "" {
		a.spool, err = usagelog.OpenSpool(cfg.UsageLog.SpoolPath)
		if err != nil {
			return fmt.Errorf("open usage spool: %w", err)
		}
	}

	if len(sinks) == 0 {
		a.logger.Warn("no usage log sinks configured; usage records are dropped")
	}
	a.usage = usagelog.New(cfg.UsageLog.Config, sinks, a.spool, a.logger)
	return nil
}

// buildSinks creates the configured usage sinks in delivery order.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]usagelog.Sink, error) {
	var sinks []usagelog.Sink
	if cfg.UsageLog.HTTP.URL != "" {
		sinks = append(sinks, usagelog.NewHTTPSink(cfg.UsageLog.HTTP))
	}
	if cfg.UsageLog.S3.Enabled {
		s3, err := usagelog.NewS3Sink(ctx, cfg.UsageLog.S3.S3Config, logger)
		if err != nil {
			return nil, fmt.Errorf("init s3 sink: %w", err)
		}
		sinks = append(sinks, s3)
	}
	return sinks, nil
}

func (a *app) readinessChecks() []api.Check {
	var checks []api.Check
	if a.db != nil {
		checks = append(checks, api.Check{Name: "postgres", Fn: a.db.PingContext})
	}
	if a.redis != nil {
		checks = append(checks, api.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return checks
}

func (a *app) sweepQuotas(ctx context.Context, window time.Duration) {
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Sweep(2 * window); n > 0 {
				a.logger.Debug("swept idle quota counters", "count", n)
			}
		}
	}
}

// applyConfig takes the hot-reloadable parts of a new config. Vendors,
// models, stores and listeners need a restart.
func (a *app) applyConfig(cfg *config.Config, level *slog.LevelVar) {
	level.Set(cfg.Logging.SlogLevel())
	a.pricing.Replace(cfg.PricingTable(a.registry.Models()))
	a.systemKeys.SetRefs(cfg.SystemKeyRefs())
	a.cached.Flush()
	a.logger.Info("configuration applied",
		"log_level", cfg.Logging.Level,
		"system_keys", len(cfg.SystemKeyRefs()),
	)
}

// close releases components in reverse dependency order. Safe on a
// partially built app.
func (a *app) close(ctx context.Context) {
	if a.usage != nil {
		if err := a.usage.Close(ctx); err != nil {
			a.logger.Warn("usage log close", "error", err)
		}
	}
	if a.spool != nil {
		_ = a.spool.Close()
	}
	if a.resolver != nil {
		a.resolver.Wait()
	}
	if a.authn != nil {
		a.authn.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.cached != nil {
		_ = a.cached.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown", "error", err)
		}
	}
}
