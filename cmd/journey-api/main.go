// Package main initializes and runs the Journey API service.
//
// It acts as the composition root: configuration, Postgres, the tiered
// read-model cache, the progression service and the HTTP server lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitalpath/journey/internal/cache"
	"github.com/vitalpath/journey/internal/config"
	"github.com/vitalpath/journey/internal/database"
	"github.com/vitalpath/journey/internal/journeyapi"
	"github.com/vitalpath/journey/internal/logger"
	"github.com/vitalpath/journey/internal/metrics"
	"github.com/vitalpath/journey/internal/observability"
	"github.com/vitalpath/journey/internal/progression"
	"github.com/vitalpath/journey/internal/readmodel"
	"github.com/vitalpath/journey/internal/store"
)

// statsInterval is how often cache gauges are sampled.
const statsInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	appLog := logger.New(&cfg.App)
	slog.SetDefault(appLog)
	cfg.LogConfig(appLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, appLog)

	shutdownTracing, err := observability.InitTracing(ctx, appLog, &cfg.Tracing, &cfg.App)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			appLog.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// -------------------------------------------------------------------------
	// 2. Infrastructure
	// -------------------------------------------------------------------------
	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()
	go database.RunPoolMonitor(ctx, pool, cfg.Database.MonitorInterval)

	checkers := []observability.Checker{database.NewHealthChecker(pool)}

	l1, err := cache.NewMemoryCache[readmodel.Journey](cfg.Cache.L1Capacity, cfg.Cache.L1TTL)
	if err != nil {
		return fmt.Errorf("failed to build l1 cache: %w", err)
	}
	defer l1.Close()
	go l1.RunMetricsCollector(ctx, statsInterval)

	var tiered *cache.Tiered[readmodel.Journey]
	if cfg.Cache.L2Enabled {
		redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		checkers = append(checkers, cache.NewHealthChecker(redisClient))

		bus := cache.NewBus(redisClient, cfg.Cache.InvalidationChannel)
		l2 := cache.NewRedisCache[readmodel.Journey](redisClient, cfg.Cache.KeyPrefix, cfg.Cache.L2TTL)
		tiered = cache.NewTiered[readmodel.Journey](l1, l2, bus)

		if err := bus.Subscribe(ctx, tiered.DropLocal); err != nil {
			return err
		}
	} else {
		appLog.Warn("shared cache disabled, invalidations stay local to this instance")
		tiered = cache.NewTiered[readmodel.Journey](l1, nil, nil)
	}

	// -------------------------------------------------------------------------
	// 3. Wiring
	// -------------------------------------------------------------------------
	repo := store.NewPostgresStore(pool, store.WithMaxTxRetries(cfg.Progression.MaxTxRetries))

	svc := progression.NewService(repo, metrics.NewPostgresProvider(pool), tiered, progression.Options{
		Policy: progression.Policy{
			InProgressPartial: cfg.Progression.InProgressPartial,
			InProgressPoints:  cfg.Progression.InProgressPoints,
		},
		DefaultLookbackDays: cfg.Progression.DefaultLookbackDays,
		MetricsTimeout:      cfg.Progression.MetricsTimeout,
		CompletionTimeout:   cfg.Progression.CompletionTimeout,
	})
	reads := readmodel.NewBuilder(repo, tiered)

	limiter, err := journeyapi.NewLimiter(&cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to build rate limiter: %w", err)
	}
	defer limiter.Close()

	api := journeyapi.NewAPI(svc, reads, journeyapi.NewAuthenticator(&cfg.Auth), limiter, cfg.Server.MaxBodyBytes)

	// -------------------------------------------------------------------------
	// 4. Servers
	// -------------------------------------------------------------------------
	obs := observability.NewServer(appLog, &cfg.Observability, checkers...)
	if err := obs.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.Router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		appLog.Info("journey api listening",
			slog.String("addr", srv.Addr),
			slog.Bool("tls", cfg.Server.TLSEnabled),
		)
		var err error
		if cfg.Server.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("failed to serve http: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// 5. Graceful Shutdown
	// -------------------------------------------------------------------------
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		appLog.Info("shutdown signal received, draining requests")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("observability shutdown failed", slog.String("error", err.Error()))
	}

	appLog.Info("service exited successfully")
	return nil
}
