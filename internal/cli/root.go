// Package cli implements journeyctl, the operator tool for authoring content
// and driving a user's journey from the command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vitalpath/journey/internal/cache"
	"github.com/vitalpath/journey/internal/config"
	"github.com/vitalpath/journey/internal/database"
	"github.com/vitalpath/journey/internal/logger"
	"github.com/vitalpath/journey/internal/metrics"
	"github.com/vitalpath/journey/internal/progression"
	"github.com/vitalpath/journey/internal/readmodel"
	"github.com/vitalpath/journey/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "journeyctl",
	Short: "Operate the journey progression engine",
	Long: `journeyctl validates and loads the stage catalog, instantiates journeys,
re-evaluates users against their metrics and mints development tokens.

Configuration is read from JOURNEY_* environment variables, the same ones
the API uses.`,
	SilenceUsage: true,
}

// Execute runs the command tree against os.Args. SIGINT and SIGTERM cancel
// the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// env is what a database-backed command needs. close releases everything.
type env struct {
	cfg   *config.CLIConfig
	log   *slog.Logger
	pool  *pgxpool.Pool
	repo  *store.PostgresStore
	close func()
}

// openEnv loads configuration and connects to Postgres.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.LoadCLI()
	if err != nil {
		return nil, err
	}
	log := logger.NewWithWriter(&cfg.App, os.Stderr)

	pool, err := database.NewPostgresPool(logger.WithContext(ctx, log), &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &env{
		cfg:   cfg,
		log:   log,
		pool:  pool,
		repo:  store.NewPostgresStore(pool, store.WithMaxTxRetries(cfg.Progression.MaxTxRetries)),
		close: pool.Close,
	}, nil
}

// service builds the progression service. With the shared cache enabled,
// writes invalidate the user's cached journey on every API instance.
func (e *env) service(ctx context.Context) (*progression.Service, error) {
	var inv progression.Invalidator
	if e.cfg.Cache.L2Enabled {
		client, err := cache.NewRedisClient(ctx, &e.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		l1, err := cache.NewMemoryCache[readmodel.Journey](1, e.cfg.Cache.L1TTL)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		inv = cache.NewTiered[readmodel.Journey](
			l1,
			cache.NewRedisCache[readmodel.Journey](client, e.cfg.Cache.KeyPrefix, e.cfg.Cache.L2TTL),
			cache.NewBus(client, e.cfg.Cache.InvalidationChannel),
		)
		prev := e.close
		e.close = func() {
			l1.Close()
			_ = client.Close()
			prev()
		}
	}

	return progression.NewService(e.repo, metrics.NewPostgresProvider(e.pool), inv, progression.Options{
		Policy: progression.Policy{
			InProgressPartial: e.cfg.Progression.InProgressPartial,
			InProgressPoints:  e.cfg.Progression.InProgressPoints,
		},
		DefaultLookbackDays: e.cfg.Progression.DefaultLookbackDays,
		MetricsTimeout:      e.cfg.Progression.MetricsTimeout,
		CompletionTimeout:   e.cfg.Progression.CompletionTimeout,
	}), nil
}
