//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/ruleengine"
	"github.com/vitalpath/journey/internal/store"
	"github.com/vitalpath/journey/internal/testsupport"
)

func testCatalog() ([]journey.Chapter, []journey.Stage) {
	workouts := ruleengine.Requirements{
		Logic: ruleengine.LogicAnd,
		Rules: []ruleengine.MetricRule{{Metric: "workouts_per_week", Bound: ruleengine.AtLeast(3)}},
	}
	protein := ruleengine.Requirements{
		Logic: ruleengine.LogicAnd,
		Rules: []ruleengine.MetricRule{{Metric: "protein_avg_g", Bound: ruleengine.AtLeast(120)}},
	}

	chapters := []journey.Chapter{{Code: "foundations", Title: "Foundations", OrderIndex: 0}}
	stages := []journey.Stage{
		{
			Code: "move", ChapterCode: "foundations", OrderIndex: 0, Title: "Move", Category: journey.CategoryWorkout,
			Requirements: workouts, RewardPoints: 20, Seed: true,
			Tasks: []journey.Task{
				{Code: "move-walk", OrderIndex: 0, Description: "Walk", Condition: workouts, Points: 10},
				{Code: "move-lift", OrderIndex: 1, Description: "Lift", Condition: workouts, Points: 10},
			},
		},
		{
			Code: "fuel", ChapterCode: "foundations", OrderIndex: 1, Title: "Fuel", Category: journey.CategoryNutrition,
			Requirements: protein, RewardPoints: 10, Seed: true,
			Tasks: []journey.Task{
				{Code: "fuel-protein", OrderIndex: 0, Description: "Protein", Condition: protein, Points: 10},
			},
		},
		{
			Code: "sleep", ChapterCode: "foundations", OrderIndex: 2, Title: "Sleep", Category: journey.CategoryHabit,
			Requirements: workouts, RewardPoints: 10,
		},
	}
	return chapters, stages
}

// completeAll derives completed whenever the stage is reachable.
func completeAll(st store.StageState) (store.StageUpdate, error) {
	if st.Stage.Position == 0 || st.PrevCompleted {
		return store.StageUpdate{Status: journey.StatusCompleted, Progress: 1}, nil
	}
	return store.StageUpdate{Status: st.Stage.Status}, nil
}

func findTask(t *testing.T, s *store.PostgresStore, ctx context.Context, userID, code string) journey.UserTask {
	t.Helper()
	tasks, err := s.ListUserTasks(ctx, userID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.TaskCode == code {
			return task
		}
	}
	t.Fatalf("task %q not found for %s", code, userID)
	return journey.UserTask{}
}

func stagesByCode(t *testing.T, s *store.PostgresStore, ctx context.Context, userID string) map[string]journey.UserStage {
	t.Helper()
	stages, err := s.ListUserStages(ctx, userID)
	require.NoError(t, err)
	out := make(map[string]journey.UserStage, len(stages))
	for _, st := range stages {
		out[st.StageCode] = st
	}
	return out
}

func TestPostgresStore_Integration(t *testing.T) {
	ctx := context.Background()
	pg, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	defer pg.Terminate(ctx)

	s := store.NewPostgresStore(pg.DB)
	chapters, stages := testCatalog()
	require.NoError(t, s.ApplyCatalog(ctx, chapters, stages))

	t.Run("Should apply the catalog idempotently", func(t *testing.T) {
		require.NoError(t, s.ApplyCatalog(ctx, chapters, stages))

		got, err := s.ListStages(ctx)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "move", got[0].Code)
		assert.Len(t, got[0].Tasks, 2)
		assert.Equal(t, "workouts_per_week", got[0].Requirements.Rules[0].Metric)
	})

	t.Run("Should instantiate the seed journey with only the first stage available", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))

		created, err := s.InstantiateJourney(ctx, "user-1", journey.SourceSeed, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, created, "sleep is not a seed stage")

		again, err := s.InstantiateJourney(ctx, "user-1", journey.SourceSeed, nil)
		require.NoError(t, err)
		assert.Zero(t, again)

		byCode := stagesByCode(t, s, ctx, "user-1")
		assert.Equal(t, journey.StatusAvailable, byCode["move"].Status)
		assert.Equal(t, 0, byCode["move"].Position)
		assert.Equal(t, journey.StatusLocked, byCode["fuel"].Status)
		assert.Equal(t, 20, byCode["move"].PointsTotal)
	})

	t.Run("Should report unknown stage codes as not found", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))

		_, err := s.InstantiateJourney(ctx, "user-1", journey.SourcePersonalized, []string{"move", "nope"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Should return not found for an unknown task instance", func(t *testing.T) {
		_, err := s.GetTaskDetail(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Should load task detail with both rule sets", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))
		_, err := s.InstantiateJourney(ctx, "user-1", journey.SourceSeed, nil)
		require.NoError(t, err)
		task := findTask(t, s, ctx, "user-1", "fuel-protein")

		d, err := s.GetTaskDetail(ctx, task.ID)

		require.NoError(t, err)
		assert.Equal(t, "fuel", d.Stage.StageCode)
		assert.Equal(t, journey.StatusLocked, d.Stage.Status)
		assert.Equal(t, "protein_avg_g", d.Condition.Rules[0].Metric)
		assert.Equal(t, "protein_avg_g", d.StageRequirements.Rules[0].Metric)
	})

	t.Run("Should write exactly one ledger row under concurrent completion", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))
		_, err := s.InstantiateJourney(ctx, "user-1", journey.SourceSeed, nil)
		require.NoError(t, err)
		task := findTask(t, s, ctx, "user-1", "move-walk")
		params := store.CompletionParams{UserID: "user-1", UserStageID: task.UserStageID, UserTaskID: task.ID, Reason: "task:move-walk"}
		keep := func(st store.StageState) (store.StageUpdate, error) {
			return store.StageUpdate{Status: st.Stage.Status}, nil
		}

		const workers = 10
		outcomes := make([]*store.CompletionOutcome, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i], errs[i] = s.CompleteTask(ctx, params, keep)
			}()
		}
		wg.Wait()

		fresh := 0
		for i := range workers {
			require.NoError(t, errs[i])
			if !outcomes[i].AlreadyCompleted {
				fresh++
			}
		}
		assert.Equal(t, 1, fresh)

		var rows int
		require.NoError(t, pg.DB.QueryRow(ctx, `SELECT COUNT(*) FROM points_ledger WHERE user_task_id = $1`, task.ID).Scan(&rows))
		assert.Equal(t, 1, rows)

		total, err := s.SumPoints(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 10, total)
	})

	t.Run("Should complete the stage and unlock the next one atomically", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))
		_, err := s.InstantiateJourney(ctx, "user-1", journey.SourceSeed, nil)
		require.NoError(t, err)
		task := findTask(t, s, ctx, "user-1", "move-lift")

		out, err := s.CompleteTask(ctx, store.CompletionParams{
			UserID: "user-1", UserStageID: task.UserStageID, UserTaskID: task.ID, Note: "felt good",
		}, completeAll)

		require.NoError(t, err)
		assert.True(t, out.StageCompleted)
		assert.True(t, out.UnlockedNext)
		assert.Equal(t, 10, out.PointsAwarded)
		byCode := stagesByCode(t, s, ctx, "user-1")
		assert.Equal(t, journey.StatusCompleted, byCode["move"].Status)
		assert.Equal(t, 1.0, byCode["move"].Progress)
		assert.NotNil(t, byCode["move"].CompletedAt)
		assert.Equal(t, journey.StatusAvailable, byCode["fuel"].Status)
		assert.Equal(t, out.NextStageID, byCode["fuel"].ID)
		assert.Equal(t, "felt good", findTask(t, s, ctx, "user-1", "move-lift").Note)
	})

	t.Run("Should roll back everything when the cascade fails", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))
		_, err := s.InstantiateJourney(ctx, "user-1", journey.SourceSeed, nil)
		require.NoError(t, err)
		task := findTask(t, s, ctx, "user-1", "move-walk")
		boom := errors.New("boom")

		_, err = s.CompleteTask(ctx, store.CompletionParams{
			UserID: "user-1", UserStageID: task.UserStageID, UserTaskID: task.ID,
		}, func(store.StageState) (store.StageUpdate, error) { return store.StageUpdate{}, boom })

		require.ErrorIs(t, err, boom)
		assert.False(t, findTask(t, s, ctx, "user-1", "move-walk").IsCompleted)
		byCode := stagesByCode(t, s, ctx, "user-1")
		assert.Zero(t, byCode["move"].PointsCurrent)
		assert.Equal(t, journey.StatusAvailable, byCode["move"].Status)
		assert.Equal(t, journey.StatusLocked, byCode["fuel"].Status)
		total, err := s.SumPoints(ctx, "user-1")
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("Should never move a stage backwards", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))
		_, err := s.InstantiateJourney(ctx, "user-1", journey.SourceSeed, nil)
		require.NoError(t, err)
		task := findTask(t, s, ctx, "user-1", "move-walk")

		_, err = s.CompleteTask(ctx, store.CompletionParams{
			UserID: "user-1", UserStageID: task.UserStageID, UserTaskID: task.ID,
		}, func(store.StageState) (store.StageUpdate, error) {
			return store.StageUpdate{Status: journey.StatusLocked}, nil
		})

		require.NoError(t, err)
		assert.Equal(t, journey.StatusAvailable, stagesByCode(t, s, ctx, "user-1")["move"].Status)
	})

	t.Run("Should advance stages by plan and skip stale changes", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))
		_, err := s.InstantiateJourney(ctx, "user-1", journey.SourceSeed, nil)
		require.NoError(t, err)

		applied, err := s.AdvanceStages(ctx, "user-1", func(stages []journey.UserStage) ([]store.StageChange, error) {
			require.Len(t, stages, 2)
			return []store.StageChange{
				{UserStageID: stages[0].ID, From: journey.StatusAvailable, To: journey.StatusCompleted, Progress: 1},
				{UserStageID: stages[1].ID, From: journey.StatusAvailable, To: journey.StatusInProgress, Progress: 0.5},
			}, nil
		})

		require.NoError(t, err)
		require.Len(t, applied, 1, "the second change expected a status the row does not have")
		byCode := stagesByCode(t, s, ctx, "user-1")
		assert.Equal(t, journey.StatusCompleted, byCode["move"].Status)
		assert.Equal(t, journey.StatusLocked, byCode["fuel"].Status)
	})

	t.Run("Should prefer the personalized set when advancing", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))
		_, err := s.InstantiateJourney(ctx, "user-1", journey.SourceSeed, nil)
		require.NoError(t, err)
		_, err = s.InstantiateJourney(ctx, "user-1", journey.SourcePersonalized, []string{"sleep"})
		require.NoError(t, err)

		var seen []string
		_, err = s.AdvanceStages(ctx, "user-1", func(stages []journey.UserStage) ([]store.StageChange, error) {
			for _, st := range stages {
				seen = append(seen, st.StageCode)
			}
			return nil, nil
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"sleep"}, seen)
	})

	t.Run("Should reject ledger mutations", func(t *testing.T) {
		require.NoError(t, pg.Reset(ctx))
		_, err := s.InstantiateJourney(ctx, "user-1", journey.SourceSeed, nil)
		require.NoError(t, err)
		task := findTask(t, s, ctx, "user-1", "move-walk")
		_, err = s.CompleteTask(ctx, store.CompletionParams{UserID: "user-1", UserStageID: task.UserStageID, UserTaskID: task.ID}, completeAll)
		require.NoError(t, err)

		_, err = pg.DB.Exec(ctx, `UPDATE points_ledger SET amount = 1000`)
		assert.Error(t, err)
		_, err = pg.DB.Exec(ctx, `DELETE FROM points_ledger`)
		assert.Error(t, err)
	})
}
