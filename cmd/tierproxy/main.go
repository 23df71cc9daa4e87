package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/config"
	"github.com/af-corp/tierproxy/internal/gateway"
	"github.com/af-corp/tierproxy/internal/history"
	"github.com/af-corp/tierproxy/internal/policy"
	"github.com/af-corp/tierproxy/internal/probe"
	"github.com/af-corp/tierproxy/internal/ratelimit"
	"github.com/af-corp/tierproxy/internal/refresh"
	"github.com/af-corp/tierproxy/internal/status"
	"github.com/af-corp/tierproxy/internal/telemetry"
	"github.com/af-corp/tierproxy/internal/upstream"
	"github.com/alecthomas/kong"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var version = "dev"

type cli struct {
	Config  string           `help:"Path to configuration directory." default:"configs" type:"path" env:"TIERPROXY_CONFIG"`
	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("tierproxy"),
		kong.Description("OpenAI-compatible proxy exposing health-checked free and stealth model tiers."),
		kong.Vars{"version": version},
	)

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	loader := config.NewLoader(c.Config, bootLogger)
	if err := loader.Load(); err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	cfg := loader.Config()
	logger := telemetry.NewLogger(os.Stdout, cfg.Telemetry)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, loader, logger); err != nil {
		logger.Error("tierproxy exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("tierproxy stopped")
}

func run(ctx context.Context, loader *config.Loader, logger *slog.Logger) error {
	cfg := loader.Config()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	rdb := connectRedis(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	recorder, closeDB := connectHistory(ctx, cfg.Database, logger)
	defer closeDB()

	evaluator := policy.NewEvaluator(func() config.PolicyConfig { return loader.Config().Policy }, logger)
	if cfg.Policy.Enabled {
		if err := evaluator.Load(); err != nil {
			return fmt.Errorf("load admission policies: %w", err)
		}
	}

	client := upstream.NewClient(cfg.Upstream, cfg.Proxy)
	checker := probe.NewChecker(probe.Options{
		BaseURL:              cfg.Upstream.BaseURL,
		APIKey:               cfg.ProbeKey(),
		Concurrency:          cfg.Health.Concurrency,
		PassTimeout:          cfg.Health.PassTimeout,
		ProbeTimeout:         func(t catalog.Tier) time.Duration { return loader.Config().Tier(t).ProbeTimeout },
		RateLimitedIsHealthy: cfg.Health.RateLimitedIsHealthy,
		Prompt:               cfg.Health.Prompt,
		MaxTokens:            cfg.Health.MaxTokens,
	}, metrics, logger)
	if !checker.Enabled() {
		logger.Warn("no health-check key configured, models will be listed unchecked")
	}

	cache := catalog.NewCache()
	breakers := upstream.NewBreakerSet(cfg.Upstream.CircuitBreaker.FailureThreshold, cfg.Upstream.CircuitBreaker.RecoveryProbeInterval)

	scheduler := refresh.NewScheduler(refresh.Options{
		Interval:        cfg.Refresh.Interval,
		Cron:            cfg.Refresh.Cron,
		RecheckExisting: cfg.Health.RecheckExisting,
		Classifier:      loader.Classifier,
		EnabledTiers:    func() []catalog.Tier { return loader.Config().EnabledTiers() },
	}, refresh.Deps{
		Cache:    cache,
		Fetcher:  client,
		Prober:   checker,
		Admitter: evaluator,
		Pruner:   breakers,
		Recorder: recorder,
		Metrics:  metrics,
		Logger:   logger,
	})

	breakers.OnOpen(func(model string) {
		metrics.RecordBreakerOpen()
		logger.Warn("circuit breaker opened, requesting refresh", "model", model)
		scheduler.Trigger(refresh.TriggerBreaker)
	})

	loader.OnReload(func() {
		next := loader.Config()
		if next.Policy.Enabled {
			if err := evaluator.Load(); err != nil {
				logger.Error("failed to reload admission policies, keeping previous", "error", err)
			}
		}
		logger.Info("rules reloaded, requesting refresh", "rules", loader.RulesSource())
		scheduler.Trigger(refresh.TriggerRules)
	})
	if err := loader.Watch(ctx); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	reporter := status.NewReporter(cache, scheduler, func() time.Duration {
		return loader.Config().Status.StalenessThreshold
	})

	handler := gateway.NewHandler(cache, client, breakers, func() int64 {
		return loader.Config().Server.MaxBodyBytes
	}, metrics, logger)

	router := gateway.NewRouter(gateway.RouterConfig{
		Handler:        handler,
		Reporter:       reporter,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Limiter:        ratelimit.NewLimiter(rdb),
		RateLimit: func(t catalog.Tier) ratelimit.Policy {
			return func() (int, time.Duration) {
				c := loader.Config()
				if !c.RateLimit.Enabled {
					return 0, c.RateLimit.Window
				}
				return c.Tier(t).Limit(), c.RateLimit.Window
			}
		},
		TierEnabled: func(t catalog.Tier) bool { return loader.Config().Tier(t).IsEnabled() },
		AdminToken:  func() string { return loader.Config().Admin.Token },
		Trigger:     scheduler.Trigger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("tierproxy starting", "addr", srv.Addr, "version", version, "upstream", client.BaseURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	if cfg.GRPC.Port > 0 {
		grpcServer := grpc.NewServer()
		healthServer := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)

		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		g.Go(func() error {
			reporter.SyncHealth(gctx, healthServer, cfg.GRPC.UpdateInterval, logger)
			return nil
		})
		g.Go(func() error {
			logger.Info("grpc health service starting", "port", cfg.GRPC.Port)
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	return g.Wait()
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) redis.UniversalClient {
	if len(cfg.Addresses) == 0 || cfg.Addresses[0] == "" {
		logger.Info("redis not configured, rate limits fail open")
		return nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable (rate limits fail open until it is)", "error", err)
	} else {
		logger.Info("redis connected", "addrs", cfg.Addresses)
	}
	return rdb
}

func connectHistory(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (history.Recorder, func()) {
	if !cfg.Enabled {
		return history.Noop{}, func() {}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		logger.Warn("invalid database config, refresh history disabled", "error", err)
		return history.Noop{}, func() {}
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Warn("failed to create database pool, refresh history disabled", "error", err)
		return history.Noop{}, func() {}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Warn("database not reachable (history writes will fail until it is)", "error", err)
	} else {
		logger.Info("database connected", "host", cfg.Host, "name", cfg.Name)
	}
	return history.NewPGRecorder(pool), pool.Close
}
