//go:build integration

package observability_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalpath/journey/internal/cache"
	"github.com/vitalpath/journey/internal/config"
	"github.com/vitalpath/journey/internal/database"
	"github.com/vitalpath/journey/internal/observability"
	"github.com/vitalpath/journey/internal/testsupport"
)

type readiness struct {
	Status map[string]string `json:"status"`
}

func TestObservabilityServer_Integration(t *testing.T) {
	ctx := context.Background()

	pg, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	rdb, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Terminate(ctx) })

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	t.Cleanup(stopMonitor)
	go database.RunPoolMonitor(monitorCtx, pg.DB, 20*time.Millisecond)

	// Non-default routes prove the server reads them from config.
	srv := observability.NewServer(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		&config.ObservabilityConfig{
			Port:          "0",
			Timeout:       time.Second,
			LivenessPath:  "/ops/live",
			ReadinessPath: "/ops/ready",
			MetricsPath:   "/ops/metrics",
		},
		database.NewHealthChecker(pg.DB),
		cache.NewHealthChecker(rdb.Client),
	)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(ctx) })

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	base := "http://127.0.0.1:" + port

	get := func(t *testing.T, path string) (int, []byte) {
		t.Helper()
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	t.Run("Liveness answers on the configured route", func(t *testing.T) {
		code, body := get(t, "/ops/live")

		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", string(body))
	})

	t.Run("Default routes are not mounted", func(t *testing.T) {
		code, _ := get(t, "/healthz")

		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("Metrics include the pool gauges", func(t *testing.T) {
		require.Eventually(t, func() bool {
			code, body := get(t, "/ops/metrics")
			return code == http.StatusOK &&
				containsAll(string(body), "journey_database_pool_connections", "go_goroutines")
		}, 2*time.Second, 50*time.Millisecond)
	})

	t.Run("Readiness reports both stores up", func(t *testing.T) {
		code, body := get(t, "/ops/ready")

		assert.Equal(t, http.StatusOK, code)
		var r readiness
		require.NoError(t, json.Unmarshal(body, &r))
		assert.Equal(t, map[string]string{"postgres": "up", "redis": "up"}, r.Status)
	})

	t.Run("Readiness fails once redis is gone", func(t *testing.T) {
		stopTimeout := time.Second
		require.NoError(t, rdb.Container.Stop(ctx, &stopTimeout))

		require.Eventually(t, func() bool {
			code, body := get(t, "/ops/ready")
			var r readiness
			if json.Unmarshal(body, &r) != nil {
				return false
			}
			return code == http.StatusServiceUnavailable &&
				r.Status["postgres"] == "up" &&
				strings.HasPrefix(r.Status["redis"], "down")
		}, 5*time.Second, 100*time.Millisecond)
	})
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
