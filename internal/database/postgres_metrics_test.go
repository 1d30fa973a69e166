//go:build integration

package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalpath/journey/internal/config"
	"github.com/vitalpath/journey/internal/database"
	"github.com/vitalpath/journey/internal/testsupport"
)

const poolGauge = "journey_database_pool_connections"

func TestNewPostgresPool_Integration(t *testing.T) {
	ctx := context.Background()
	pg, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	pool, err := database.NewPostgresPool(ctx, &config.DatabaseConfig{
		URL:              pg.ConnectionString,
		ApplicationName:  "journey-it",
		StatementTimeout: 200 * time.Millisecond,
		IdleInTxTimeout:  time.Minute,
		MaxConns:         3,
		MinConns:         1,
		ConnectTimeout:   5 * time.Second,
		PingMaxRetries:   3,
		PingBackoff:      500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	t.Run("Sessions carry the configured runtime params", func(t *testing.T) {
		var app, timeout string
		require.NoError(t, pool.QueryRow(ctx, "SELECT current_setting('application_name'), current_setting('statement_timeout')").Scan(&app, &timeout))

		assert.Equal(t, "journey-it", app)
		assert.Equal(t, "200ms", timeout)
	})

	t.Run("Statement timeout cancels long queries", func(t *testing.T) {
		_, err := pool.Exec(ctx, "SELECT pg_sleep(1)")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "statement timeout")
	})

	t.Run("Unreachable database fails after the configured attempts", func(t *testing.T) {
		start := time.Now()

		_, err := database.NewPostgresPool(ctx, &config.DatabaseConfig{
			URL:            "postgres://journey:x@127.0.0.1:1/journey?sslmode=disable",
			MaxConns:       1,
			ConnectTimeout: 100 * time.Millisecond,
			PingMaxRetries: 2,
			PingBackoff:    50 * time.Millisecond,
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 2 attempts")
		assert.Less(t, time.Since(start), 3*time.Second)
	})
}

func TestRunPoolMonitor_Integration(t *testing.T) {
	ctx := context.Background()
	pg, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	pool, err := database.NewPostgresPool(ctx, &config.DatabaseConfig{
		URL:            pg.ConnectionString,
		MaxConns:       4,
		MinConns:       1,
		ConnectTimeout: 5 * time.Second,
		PingMaxRetries: 3,
		PingBackoff:    500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	monitorCtx, stop := context.WithCancel(ctx)
	t.Cleanup(stop)
	go database.RunPoolMonitor(monitorCtx, pool, 10*time.Millisecond)

	gauge := func(state string) float64 {
		return testsupport.GetMetricValue(t, poolGauge, map[string]string{"state": state})
	}

	t.Run("Reports the pool ceiling", func(t *testing.T) {
		require.Eventually(t, func() bool { return gauge("max") == 4 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Tracks held connections", func(t *testing.T) {
		held := acquireN(t, pool, 2)

		require.Eventually(t, func() bool { return gauge("in_use") == 2 }, 2*time.Second, 10*time.Millisecond)
		assert.LessOrEqual(t, gauge("in_use")+gauge("idle"), gauge("max"))

		releaseAll(held)
		require.Eventually(t, func() bool { return gauge("in_use") == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Adds only the acquire delta per sample", func(t *testing.T) {
		before := testsupport.GetMetricValue(t, "journey_database_pool_acquire_count_total", nil)

		for range 3 {
			releaseAll(acquireN(t, pool, 1))
		}

		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "journey_database_pool_acquire_count_total", nil) == before+3
		}, 2*time.Second, 10*time.Millisecond)
		// Several more samples must not add to a settled counter.
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, before+3, testsupport.GetMetricValue(t, "journey_database_pool_acquire_count_total", nil))
		assert.Positive(t, testsupport.GetMetricValue(t, "journey_database_pool_acquire_duration_seconds_total", nil))
	})

	t.Run("Counts acquisitions that had to wait", func(t *testing.T) {
		before := testsupport.GetMetricValue(t, "journey_database_pool_wait_count_total", nil)
		held := acquireN(t, pool, 4)

		waited := make(chan error, 1)
		go func() {
			c, err := pool.Acquire(ctx)
			if err == nil {
				c.Release()
			}
			waited <- err
		}()
		time.Sleep(50 * time.Millisecond)
		releaseAll(held)

		select {
		case err := <-waited:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("blocked acquire never completed")
		}
		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "journey_database_pool_wait_count_total", nil) >= before+1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func acquireN(t *testing.T, pool *pgxpool.Pool, n int) []*pgxpool.Conn {
	t.Helper()
	conns := make([]*pgxpool.Conn, 0, n)
	for range n {
		c, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	return conns
}

func releaseAll(conns []*pgxpool.Conn) {
	for _, c := range conns {
		c.Release()
	}
}
