//go:build integration

package metrics_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalpath/journey/internal/metrics"
	"github.com/vitalpath/journey/internal/testsupport"
)

func TestPostgresProvider_Integration(t *testing.T) {
	ctx := context.Background()
	pg, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	defer pg.Terminate(ctx)

	provider := metrics.NewPostgresProvider(pg.DB)

	t.Run("Should return the latest value per metric inside the window", func(t *testing.T) {
		// Arrange
		require.NoError(t, pg.Reset(ctx))
		_, err := pg.DB.Exec(ctx, `
			INSERT INTO metric_snapshots (user_id, metric, value, recorded_at) VALUES
			('user-1', 'workouts_per_week', 2, NOW() - INTERVAL '2 days'),
			('user-1', 'workouts_per_week', 4, NOW() - INTERVAL '1 hour'),
			('user-1', 'weigh_ins', 1, NOW() - INTERVAL '20 days'),
			('user-2', 'weigh_ins', 3, NOW())
		`)
		require.NoError(t, err)

		// Act
		week, err := provider.GetMetrics(ctx, "user-1", 7)
		require.NoError(t, err)
		month, err := provider.GetMetrics(ctx, "user-1", 30)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, map[string]float64{"workouts_per_week": 4}, week, "weigh_ins is outside the 7 day window")
		assert.Equal(t, map[string]float64{"workouts_per_week": 4, "weigh_ins": 1}, month)
	})

	t.Run("Should record snapshots", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))
		require.NoError(t, provider.Record(ctx, "user-3", "protein_avg_g", 95))

		got, err := provider.GetMetrics(ctx, "user-3", 1)

		require.NoError(t, err)
		assert.Equal(t, 95.0, got["protein_avg_g"])
	})

	t.Run("Should reject a non-positive window", func(t *testing.T) {
		_, err := provider.GetMetrics(ctx, "user-1", 0)
		assert.Error(t, err)
	})
}
