// Package main is the load generator: it drives paced request volume
// through the protected HTTP client against the configured targets, so
// the interplay of retries, circuit breaking, budgets, and
// backpressure can be observed on the metrics and admin endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/resilience-core/backpressure"
	"github.com/dskow/resilience-core/breaker"
	"github.com/dskow/resilience-core/budget"
	"github.com/dskow/resilience-core/httpclient"
	"github.com/dskow/resilience-core/internal/admin"
	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/health"
	"github.com/dskow/resilience-core/internal/logging"
	"github.com/dskow/resilience-core/internal/metrics"
	"github.com/dskow/resilience-core/internal/middleware"
)

func main() {
	configPath := flag.String("config", "configs/loadgen.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Output:     cfg.Logging.Output,
		Format:     cfg.Logging.Format,
		Level:      cfg.Logging.Level,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"targets", len(cfg.Targets),
		"rps", cfg.Load.RequestsPerSecond,
		"workers", cfg.Load.Workers,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Shared protection components, one breaker/budget/client per target.
	tracker := backpressure.NewTracker(cfg.Backpressure.TrackerConfig())

	breakers := make(map[string]*breaker.Breaker, len(cfg.Targets))
	budgets := make(map[string]*budget.AdaptiveBudget, len(cfg.Targets))
	clients := make(map[string]*httpclient.Client, len(cfg.Targets))

	for _, target := range cfg.Targets {
		name := target.Name

		bcfg := cfg.CircuitBreaker.BreakerConfig()
		if cfg.Metrics.IsEnabled() {
			bcfg.OnStateChange = metrics.BreakerObserver(name)
		}
		brk := breaker.New(name, bcfg, logger)
		breakers[name] = brk

		dcfg := cfg.Budget.ControllerConfig()
		dcfg.Overloaded = func(ctx context.Context) bool {
			return tracker.Overloaded(name)
		}
		if cfg.Metrics.IsEnabled() {
			dcfg.OnBudgetChange = metrics.BudgetObserver(name)
		}
		bud := budget.New(dcfg, logger)
		defer bud.Stop()
		budgets[name] = bud

		opts := cfg.Retry.Options()
		if cfg.Metrics.IsEnabled() {
			opts.OnRetry = metrics.RetryObserver(name)
		}
		clients[name] = httpclient.New(httpclient.Config{
			Service: name,
			Retry:   opts,
			Breaker: brk,
			Budget:  bud,
			Tracker: tracker,
			Logger:  logger,
		})
	}

	// Metrics, health, and admin endpoints.
	mux := http.NewServeMux()
	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	healthHandler := health.New(cfg.Targets, breakers, logger)
	healthHandler.RegisterRoutes(mux)

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	if cfg.Admin.Enabled {
		auth := admin.NewAuthenticator(cfg.Admin)
		adminHandler := admin.New(reloader, breakers, budgets, tracker, auth, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered")
	}

	handler := middleware.Chain(mux,
		middleware.RequestID,
		middleware.Recovery(logger),
		middleware.Logging(logger),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Paced load loop. The limiter is hot-reloadable.
	limiter := rate.NewLimiter(rate.Limit(cfg.Load.RequestsPerSecond), cfg.Load.BurstSize)
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.SetLimit(rate.Limit(newCfg.Load.RequestsPerSecond))
		limiter.SetBurst(newCfg.Load.BurstSize)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	if len(cfg.Targets) > 0 {
		for i := 0; i < cfg.Load.Workers; i++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				runWorker(ctx, worker, cfg.Targets, clients, limiter, logger)
			}(i)
		}
	}

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

// runWorker issues paced requests round-robin across the targets until
// ctx is cancelled.
func runWorker(
	ctx context.Context,
	worker int,
	targets []config.TargetConfig,
	clients map[string]*httpclient.Client,
	limiter *rate.Limiter,
	logger *slog.Logger,
) {
	for i := 0; ; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		target := targets[i%len(targets)]
		client := clients[target.Name]

		start := time.Now()
		resp, err := client.Get(ctx, target.URL)
		elapsed := time.Since(start)

		if err != nil {
			metrics.AttemptsTotal.WithLabelValues(target.Name, "failure").Inc()
			logger.Debug("request failed",
				"worker", worker,
				"target", target.Name,
				"elapsed", elapsed,
				"error", err,
			)
			continue
		}

		metrics.AttemptsTotal.WithLabelValues(target.Name, "success").Inc()
		resp.Body.Close()
	}
}
