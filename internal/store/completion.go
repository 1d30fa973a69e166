package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/observability"
)

// CompletionParams identifies the task instance being completed.
type CompletionParams struct {
	UserID      string
	UserStageID string
	UserTaskID  string
	Note        string
	// Reason is recorded on the ledger entry.
	Reason string
}

// StageState is what the derive callback sees of the owning stage after the
// task's points have been added.
type StageState struct {
	Stage journey.UserStage
	// PrevCompleted is true when the stage at Position-1 is completed.
	PrevCompleted bool
}

// StageUpdate is the derived state the transaction should persist.
type StageUpdate struct {
	Status   journey.Status
	Progress float64
}

// DeriveFunc computes the stage's new state inside the completion
// transaction. Returning an error aborts the transaction.
type DeriveFunc func(state StageState) (StageUpdate, error)

// CompletionOutcome reports what the transaction did.
type CompletionOutcome struct {
	AlreadyCompleted bool
	PointsAwarded    int
	StageStatus      journey.Status
	StageCompleted   bool
	UnlockedNext     bool
	NextStageID      string
}

// CompleteTask marks a task completed, pays its points and cascades to the
// owning stage and the next stage, all in one transaction.
//
// Steps, in lock order (task row, stage row, next stage row):
//  1. Conditional update of the task (WHERE NOT is_completed). Zero rows
//     means another request already completed it: nothing is written.
//  2. Ledger append, unique per task instance.
//  3. Stage points_current += points, capped at points_total.
//  4. derive() computes the new status from the updated stage.
//  5. Forward-only status and progress write.
//  6. If the stage became completed, unlock the next position if it is locked.
//
// Serialization failures and deadlocks are retried; any other failure rolls
// back everything.
func (s *PostgresStore) CompleteTask(ctx context.Context, params CompletionParams, derive DeriveFunc) (*CompletionOutcome, error) {
	if derive == nil {
		return nil, fmt.Errorf("derive function cannot be nil")
	}

	var outcome *CompletionOutcome
	err := s.withRetry(ctx, "complete_task", func(tx pgx.Tx) error {
		var err error
		outcome, err = completeTaskTx(ctx, tx, params, derive)
		return err
	})
	if errors.Is(err, errAlreadyCompleted) {
		return &CompletionOutcome{AlreadyCompleted: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func completeTaskTx(ctx context.Context, tx pgx.Tx, p CompletionParams, derive DeriveFunc) (*CompletionOutcome, error) {
	// 1. Idempotency gate. The row lock taken here makes a concurrent request
	// for the same task wait, then re-check the predicate and see zero rows.
	var points int
	err := tx.QueryRow(ctx, `
		UPDATE user_tasks ut
		SET is_completed = TRUE, completed_at = NOW(), note = $4
		FROM tasks t
		WHERE ut.id = $1 AND ut.user_id = $2 AND ut.user_stage_id = $3
		  AND t.id = ut.task_id
		  AND ut.is_completed = FALSE
		RETURNING t.points
	`, p.UserTaskID, p.UserID, p.UserStageID, p.Note).Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		return &CompletionOutcome{AlreadyCompleted: true}, errAlreadyCompleted
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark task completed: %w", err)
	}

	// 2. Ledger.
	if points > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO points_ledger (user_id, user_task_id, amount, reason)
			VALUES ($1, $2, $3, $4)
		`, p.UserID, p.UserTaskID, points, p.Reason)
		if err != nil {
			if isUniqueViolation(err) {
				return &CompletionOutcome{AlreadyCompleted: true}, errAlreadyCompleted
			}
			return nil, fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}

	// 3. Stage points, locking the stage row.
	row := tx.QueryRow(ctx, `
		WITH updated AS (
			UPDATE user_stages
			SET points_current = LEAST(points_current + $2, points_total), updated_at = NOW()
			WHERE id = $1 AND user_id = $3
			RETURNING *
		)
		SELECT `+userStageColumns+`
		FROM updated us
		JOIN stages s ON s.id = us.stage_id
		JOIN chapters c ON c.id = s.chapter_id
	`, p.UserStageID, points, p.UserID)
	stage, err := scanUserStage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update stage points: %w", notFound(err))
	}

	prevCompleted := false
	if stage.Position > 0 {
		var prevStatus string
		err = tx.QueryRow(ctx, `
			SELECT status FROM user_stages
			WHERE user_id = $1 AND source = $2 AND position = $3
		`, p.UserID, string(stage.Source), stage.Position-1).Scan(&prevStatus)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to read previous stage: %w", err)
		}
		prevCompleted = prevStatus == string(journey.StatusCompleted)
	}

	// 4. Derive.
	update, err := derive(StageState{Stage: stage, PrevCompleted: prevCompleted})
	if err != nil {
		return nil, fmt.Errorf("failed to derive stage state: %w", err)
	}
	next := journey.Max(stage.Status, update.Status)

	// 5. Persist. started_at is set on the first move past available.
	_, err = tx.Exec(ctx, `
		UPDATE user_stages
		SET status = $2,
		    progress = $3,
		    started_at = CASE WHEN $2 IN ('in_progress', 'completed') THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    completed_at = CASE WHEN $2 = 'completed' THEN COALESCE(completed_at, NOW()) ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1
	`, stage.ID, string(next), clampProgress(update.Progress, next))
	if err != nil {
		return nil, fmt.Errorf("failed to update stage status: %w", err)
	}

	out := &CompletionOutcome{
		PointsAwarded: points,
		StageStatus:   next,
	}
	if next != stage.Status {
		observability.StageTransitionsTotal.WithLabelValues(string(stage.Status), string(next)).Inc()
	}

	// 6. Cascade.
	if next == journey.StatusCompleted && stage.Status != journey.StatusCompleted {
		out.StageCompleted = true

		var nextID string
		err = tx.QueryRow(ctx, `
			UPDATE user_stages
			SET status = 'available', updated_at = NOW()
			WHERE user_id = $1 AND source = $2 AND position = $3 AND status = 'locked'
			RETURNING id
		`, p.UserID, string(stage.Source), stage.Position+1).Scan(&nextID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("failed to unlock next stage: %w", err)
		default:
			out.UnlockedNext = true
			out.NextStageID = nextID
			observability.StageTransitionsTotal.WithLabelValues(string(journey.StatusLocked), string(journey.StatusAvailable)).Inc()
		}
	}

	return out, nil
}

// StageChange is one forward transition requested by a PlanFunc.
type StageChange struct {
	UserStageID string
	From        journey.Status
	To          journey.Status
	Progress    float64
}

// PlanFunc receives the user's locked, position-ordered active stage set and
// returns the changes to apply.
type PlanFunc func(stages []journey.UserStage) ([]StageChange, error)

// AdvanceStages locks the user's active stage set (personalized when present,
// otherwise seed), lets plan compute transitions and writes each one with
// WHERE status = From. Backward or stale changes are skipped. Returns the
// changes that were applied.
func (s *PostgresStore) AdvanceStages(ctx context.Context, userID string, plan PlanFunc) ([]StageChange, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan function cannot be nil")
	}

	var applied []StageChange
	err := s.withRetry(ctx, "advance_stages", func(tx pgx.Tx) error {
		applied = nil

		rows, err := tx.Query(ctx, `
			SELECT `+userStageColumns+`
			FROM user_stages us
			JOIN stages s ON s.id = us.stage_id
			JOIN chapters c ON c.id = s.chapter_id
			WHERE us.user_id = $1
			  AND us.source = (
			      SELECT CASE WHEN bool_or(source = 'personalized') THEN 'personalized' ELSE 'seed' END
			      FROM user_stages WHERE user_id = $1
			  )
			ORDER BY us.position
			FOR UPDATE OF us
		`, userID)
		if err != nil {
			return fmt.Errorf("failed to lock user stages: %w", err)
		}
		stages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journey.UserStage, error) {
			return scanUserStage(row)
		})
		if err != nil {
			return fmt.Errorf("failed to scan user stages: %w", err)
		}
		if len(stages) == 0 {
			return nil
		}

		changes, err := plan(stages)
		if err != nil {
			return fmt.Errorf("failed to plan stage changes: %w", err)
		}

		for _, ch := range changes {
			if ch.To.Rank() < ch.From.Rank() {
				continue
			}
			tag, err := tx.Exec(ctx, `
				UPDATE user_stages
				SET status = $3,
				    progress = $4,
				    started_at = CASE WHEN $3 IN ('in_progress', 'completed') THEN COALESCE(started_at, NOW()) ELSE started_at END,
				    completed_at = CASE WHEN $3 = 'completed' THEN COALESCE(completed_at, NOW()) ELSE completed_at END,
				    updated_at = NOW()
				WHERE id = $1 AND user_id = $5 AND status = $2
			`, ch.UserStageID, string(ch.From), string(ch.To), clampProgress(ch.Progress, ch.To), userID)
			if err != nil {
				return fmt.Errorf("failed to advance stage %s: %w", ch.UserStageID, err)
			}
			if tag.RowsAffected() == 1 {
				applied = append(applied, ch)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ch := range applied {
		if ch.From != ch.To {
			observability.StageTransitionsTotal.WithLabelValues(string(ch.From), string(ch.To)).Inc()
		}
	}
	return applied, nil
}

// errAlreadyCompleted aborts the transaction without writes and is turned
// into an AlreadyCompleted outcome by CompleteTask.
var errAlreadyCompleted = errors.New("task already completed")

// withRetry runs fn in a transaction, retrying on serialization failures and
// deadlocks up to maxTxRetries times.
func (s *PostgresStore) withRetry(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxTxRetries; attempt++ {
		if attempt > 0 {
			observability.TxRetriesTotal.WithLabelValues(op).Inc()
		}

		lastErr = s.runTx(ctx, fn)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRetriesExhausted, lastErr)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// clampProgress keeps progress in [0,1] and pins completed stages to 1.
func clampProgress(p float64, status journey.Status) float64 {
	if status == journey.StatusCompleted {
		return 1
	}
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
