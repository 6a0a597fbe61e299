package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/af-corp/gaianet-gateway/internal/blocklist"
	"github.com/af-corp/gaianet-gateway/internal/config"
	"github.com/af-corp/gaianet-gateway/internal/filter"
	"github.com/af-corp/gaianet-gateway/internal/filter/policy"
	"github.com/af-corp/gaianet-gateway/internal/gateway"
	"github.com/af-corp/gaianet-gateway/internal/health"
	"github.com/af-corp/gaianet-gateway/internal/ratelimit"
	"github.com/af-corp/gaianet-gateway/internal/telemetry"
	"github.com/af-corp/gaianet-gateway/internal/upstream"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		configPath = ""
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	slog.SetDefault(logger)
	_, warnings := cfg.Validate()
	for _, w := range warnings {
		logger.Warn("configuration warning", "warning", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry, cfg.Server.Environment, version)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)

	// Durable block list
	var store *blocklist.Store
	if cfg.Database.Enabled {
		pool, err := blocklist.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Warn("database not reachable (blocks will not survive restarts)", "error", err)
		} else {
			defer pool.Close()
			store = blocklist.NewStore(pool)
			logger.Info("database connected")
		}
	}
	var hook ratelimit.BlockHook
	if store != nil {
		hook = store.Hook(5 * time.Second)
	}

	gate, closeGate, err := buildGate(ctx, cfg, store, hook)
	if err != nil {
		return err
	}
	defer closeGate()

	client := upstream.New(cfg.Upstream, nil)
	if !client.Configured() {
		logger.Warn("upstream not configured, chat requests will fail", "base_url", cfg.Upstream.BaseURL)
	}

	var extra []filter.Filter
	if cfg.Policy.Enabled {
		evaluator := policy.NewEvaluator(cfg.Policy)
		if err := evaluator.Load(); err != nil {
			return fmt.Errorf("load policies: %w", err)
		}
		if cfg.Policy.Watch {
			if err := evaluator.Watch(ctx, nil); err != nil {
				logger.Warn("policy watcher disabled", "error", err)
			}
		}
		extra = append(extra, evaluator)
	}

	gw := gateway.New(cfg, gate, client, metrics, extra...)
	opts := []gateway.HandlerOption{gateway.WithMetrics(metrics), gateway.WithVersion(version)}
	if store != nil {
		opts = append(opts, gateway.WithBlockStore(store))
	}
	handler := gateway.NewHandler(gw, gate, client, cfg, opts...)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(handler.Routes(), "gaianet-gateway"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsSrv *http.Server
	if cfg.Telemetry.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Telemetry.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	var healthSrv *health.Server
	if cfg.Server.GRPCHealthPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCHealthPort))
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		healthSrv = health.NewServer(client)
		go func() {
			if err := healthSrv.Serve(lis); err != nil {
				logger.Error("grpc health server error", "error", err)
			}
		}()
		go healthSrv.Run(ctx, 30*time.Second)
	}

	if breaker := client.Breaker(); breaker != nil {
		go watchBreaker(ctx, breaker, metrics)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version, "rate_limit_backend", cfg.RateLimit.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if healthSrv != nil {
		healthSrv.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", "error", err)
	}
	logger.Info("gateway stopped")
	return nil
}

// buildGate creates the configured rate gate and restores durable blocks into it.
func buildGate(ctx context.Context, cfg *config.Config, store *blocklist.Store, hook ratelimit.BlockHook) (ratelimit.Gate, func(), error) {
	rl := cfg.RateLimit

	var blocks []ratelimit.BlockEntry
	if store != nil {
		var err error
		if blocks, err = store.List(ctx); err != nil {
			slog.Warn("failed to load durable blocks", "error", err)
		}
	}

	switch rl.Backend {
	case config.BackendRedis:
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addresses,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis not reachable", "error", err, "fail_open", rl.FailOpen)
		} else {
			slog.Info("redis connected")
		}
		gate := ratelimit.NewRedisGate(rdb, rl.Limit, rl.Window, rl.BlockDuration, rl.FailOpen, hook)
		if len(blocks) > 0 {
			n, err := gate.Restore(ctx, blocks)
			if err != nil {
				slog.Warn("failed to restore blocks", "error", err)
			}
			slog.Info("restored blocks", "count", n)
		}
		return gate, func() { rdb.Close() }, nil

	default:
		var opts []ratelimit.Option
		if hook != nil {
			opts = append(opts, ratelimit.WithBlockHook(hook))
		}
		gate := ratelimit.NewMemoryGate(rl.Limit, rl.Window, rl.BlockDuration, opts...)
		if len(blocks) > 0 {
			slog.Info("restored blocks", "count", gate.Restore(blocks))
		}
		sweepCtx, cancel := context.WithCancel(ctx)
		if rl.SweepInterval > 0 {
			go gate.Run(sweepCtx, rl.SweepInterval)
		}
		return gate, cancel, nil
	}
}

func watchBreaker(ctx context.Context, breaker *upstream.CircuitBreaker, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetCircuitOpen(breaker.State() == upstream.StateOpen)
		}
	}
}
