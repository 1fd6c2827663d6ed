// Package server builds the application's dependency graph and runs the
// HTTP service until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/crawld/internal/api"
	"github.com/crawlkit/crawld/internal/catalog"
	"github.com/crawlkit/crawld/internal/clock/system"
	"github.com/crawlkit/crawld/internal/config"
	"github.com/crawlkit/crawld/internal/crawl"
	"github.com/crawlkit/crawld/internal/dispatcher"
	collyfetcher "github.com/crawlkit/crawld/internal/fetcher/colly"
	"github.com/crawlkit/crawld/internal/id/uuid"
	"github.com/crawlkit/crawld/internal/logging"
	"github.com/crawlkit/crawld/internal/metrics"
	"github.com/crawlkit/crawld/internal/policy/ratelimit"
	memoryregistry "github.com/crawlkit/crawld/internal/registry/memory"
	postgresregistry "github.com/crawlkit/crawld/internal/registry/postgres"
	memoryresults "github.com/crawlkit/crawld/internal/results/memory"
	redisresults "github.com/crawlkit/crawld/internal/results/redis"
	"github.com/crawlkit/crawld/internal/runner"
	"github.com/crawlkit/crawld/internal/slots"
	"github.com/crawlkit/crawld/internal/spider/web"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher

	pgRegistry *postgresregistry.Registry
	redisStore *redisresults.Store
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies", zap.Int("port", cfg.Server.Port))

	idGen := uuid.NewGenerator()
	clock := system.New()

	registry, err := app.setupRegistry(ctx, idGen, clock)
	if err != nil {
		return nil, err
	}
	results := app.setupResults()
	cat, err := app.setupCatalog()
	if err != nil {
		return nil, err
	}

	slotMgr, err := slots.NewManager(cfg.Orchestrator.MaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("slot manager init failed: %w", err)
	}

	base, max := cfg.RetryBackoff()
	run := runner.New(registry, results, clock, runner.Config{
		MaxRetries:     cfg.Retry.MaxAttempts,
		RetryBaseDelay: base,
		RetryMaxDelay:  max,
	}, logger.Named("runner"))

	app.dispatch = dispatcher.New(cat, registry, results, slotMgr, run, logger.Named("dispatcher"))
	app.apiServer = api.NewServer(app.dispatch, logger.Named("api"))
	return app, nil
}

func (a *App) setupRegistry(ctx context.Context, idGen crawl.IDGenerator, clock crawl.Clock) (crawl.Registry, error) {
	switch a.cfg.Registry.Backend {
	case config.BackendPostgres:
		a.logger.Info("using postgres job registry")
		reg, err := postgresregistry.NewRegistry(ctx, postgresregistry.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        int32(a.cfg.DB.MaxConns),
			MaxConnLifetime: time.Duration(a.cfg.DB.ConnLifetimeMin) * time.Minute,
		}, idGen, clock)
		if err != nil {
			return nil, fmt.Errorf("postgres registry init failed: %w", err)
		}
		n, err := reg.CancelAbandoned(ctx)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("cancel abandoned jobs: %w", err)
		}
		if n > 0 {
			a.logger.Warn("cancelled jobs abandoned by previous run", zap.Int("count", n))
		}
		a.pgRegistry = reg
		return reg, nil
	default:
		a.logger.Info("using in-memory job registry")
		return memoryregistry.NewRegistry(idGen, clock), nil
	}
}

func (a *App) setupResults() crawl.ResultStore {
	switch a.cfg.Results.Backend {
	case config.BackendRedis:
		a.logger.Info("using redis result store", zap.String("addr", a.cfg.Redis.Addr))
		a.redisStore = redisresults.NewStore(redisresults.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			Prefix:   a.cfg.Redis.KeyPrefix,
			TTL:      a.cfg.ResultTTL(),
		})
		return a.redisStore
	default:
		a.logger.Info("using in-memory result store")
		return memoryresults.NewStore()
	}
}

func (a *App) setupCatalog() (*catalog.Catalog, error) {
	var throttle crawl.Throttle
	if a.cfg.Fetch.PerHostRPS > 0 {
		throttle = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Fetch.PerHostRPS,
			DefaultBurst: a.cfg.Fetch.PerHostBurst,
		})
		a.logger.Info("per-host rate limiting enabled", zap.Float64("rps", a.cfg.Fetch.PerHostRPS))
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetch.UserAgent,
		RespectRobots: a.cfg.Fetch.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
		Throttle:      throttle,
	})

	descriptors := make([]crawl.Descriptor, 0, len(a.cfg.Spiders))
	for _, sp := range a.cfg.Spiders {
		descriptors = append(descriptors, web.Descriptor(sp.Name, sp.Description, fetcher, sp.URLs))
		a.logger.Info("registered spider", zap.String("name", sp.Name), zap.Int("urls", len(sp.URLs)))
	}
	cat, err := catalog.New(descriptors...)
	if err != nil {
		return nil, fmt.Errorf("catalog init failed: %w", err)
	}
	return cat, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close()
}

// Close gracefully shuts down the application.
func (a *App) Close() error {
	a.dispatch.Close()
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pgRegistry != nil {
		a.pgRegistry.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}
