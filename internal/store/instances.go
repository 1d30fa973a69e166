package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/ruleengine"
)

// userStageColumns is shared by every query that scans a journey.UserStage
// joined with its template (alias us, s, c).
const userStageColumns = `
	us.id, us.user_id, us.stage_id, s.code, c.code, us.source, us.position, us.status,
	us.progress, us.points_current, us.points_total, us.started_at, us.completed_at,
	s.title, s.description, s.icon, s.category
`

func scanUserStage(row pgx.Row) (journey.UserStage, error) {
	var (
		us                       journey.UserStage
		source, status, category string
	)
	err := row.Scan(&us.ID, &us.UserID, &us.StageID, &us.StageCode, &us.ChapterCode, &source,
		&us.Position, &status, &us.Progress, &us.PointsCurrent, &us.PointsTotal,
		&us.StartedAt, &us.CompletedAt, &us.Title, &us.Description, &us.Icon, &category)
	if err != nil {
		return journey.UserStage{}, err
	}
	us.Source = journey.Source(source)
	us.Category = journey.Category(category)
	us.Status, err = journey.ParseStatus(status)
	return us, err
}

// InstantiateJourney creates the user's stage and task instances for the given
// stage codes, in template order. An empty code list selects every seed stage.
// New stages are appended after the user's existing stages of the same source;
// stages the user already has are skipped. Returns the number of stages created.
func (s *PostgresStore) InstantiateJourney(ctx context.Context, userID string, source journey.Source, stageCodes []string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	if !source.Valid() {
		return 0, fmt.Errorf("invalid source %q", source)
	}
	if len(stageCodes) == 0 && source != journey.SourceSeed {
		return 0, fmt.Errorf("stage codes are required for source %q", source)
	}
	if stageCodes == nil {
		stageCodes = []string{}
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize instantiations of the same user so positions are assigned once.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return 0, fmt.Errorf("failed to lock user journey: %w", err)
	}

	type template struct {
		id     int64
		code   string
		points int
	}
	rows, err := tx.Query(ctx, `
		SELECT id, code, reward_points
		FROM stages
		WHERE (cardinality($1::text[]) = 0 AND seed) OR code = ANY($1)
		ORDER BY order_index
	`, stageCodes)
	if err != nil {
		return 0, fmt.Errorf("failed to load stage templates: %w", err)
	}
	templates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (template, error) {
		var t template
		err := row.Scan(&t.id, &t.code, &t.points)
		return t, err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan stage templates: %w", err)
	}

	for _, code := range stageCodes {
		if !slices.ContainsFunc(templates, func(t template) bool { return t.code == code }) {
			return 0, fmt.Errorf("stage %q: %w", code, ErrNotFound)
		}
	}
	if len(templates) == 0 {
		return 0, fmt.Errorf("no stages to instantiate: %w", ErrNotFound)
	}

	nextPos, lastCompleted := 0, true
	var lastStatus string
	err = tx.QueryRow(ctx, `
		SELECT position, status
		FROM user_stages
		WHERE user_id = $1 AND source = $2
		ORDER BY position DESC
		LIMIT 1
	`, userID, string(source)).Scan(&nextPos, &lastStatus)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("failed to read existing positions: %w", err)
	default:
		nextPos++
		lastCompleted = lastStatus == string(journey.StatusCompleted)
	}

	created := 0
	for _, t := range templates {
		status := journey.StatusLocked
		if nextPos == 0 || lastCompleted {
			status = journey.StatusAvailable
		}

		var userStageID string
		err := tx.QueryRow(ctx, `
			INSERT INTO user_stages (user_id, stage_id, source, position, status, points_total)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, stage_id) DO NOTHING
			RETURNING id
		`, userID, t.id, string(source), nextPos, string(status), t.points).Scan(&userStageID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("stage %q position %d: %w", t.code, nextPos, ErrConflict)
			}
			return 0, fmt.Errorf("failed to create user stage %q: %w", t.code, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO user_tasks (user_id, user_stage_id, task_id)
			SELECT $1, $2, id FROM tasks WHERE stage_id = $3
			ON CONFLICT (user_id, task_id) DO NOTHING
		`, userID, userStageID, t.id)
		if err != nil {
			return 0, fmt.Errorf("failed to create user tasks for stage %q: %w", t.code, err)
		}

		created++
		nextPos++
		lastCompleted = false
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit journey instantiation: %w", err)
	}
	return created, nil
}

// ListUserStages returns every stage instance of the user with template fields.
func (s *PostgresStore) ListUserStages(ctx context.Context, userID string) ([]journey.UserStage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+userStageColumns+`
		FROM user_stages us
		JOIN stages s ON s.id = us.stage_id
		JOIN chapters c ON c.id = s.chapter_id
		WHERE us.user_id = $1
		ORDER BY us.source, us.position
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user stages: %w", err)
	}
	defer rows.Close()

	var out []journey.UserStage
	for rows.Next() {
		us, err := scanUserStage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user stage: %w", err)
		}
		out = append(out, us)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user stages: %w", err)
	}
	return out, nil
}

// ListUserTasks returns every task instance of the user with template fields.
func (s *PostgresStore) ListUserTasks(ctx context.Context, userID string) ([]journey.UserTask, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ut.id, ut.user_id, ut.user_stage_id, ut.task_id, t.code, t.order_index,
		       t.description, t.points, ut.is_completed, ut.completed_at, ut.note
		FROM user_tasks ut
		JOIN tasks t ON t.id = ut.task_id
		WHERE ut.user_id = $1
		ORDER BY ut.user_stage_id, t.order_index
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user tasks: %w", err)
	}
	defer rows.Close()

	var out []journey.UserTask
	for rows.Next() {
		var ut journey.UserTask
		if err := rows.Scan(&ut.ID, &ut.UserID, &ut.UserStageID, &ut.TaskID, &ut.TaskCode, &ut.OrderIndex,
			&ut.Description, &ut.Points, &ut.IsCompleted, &ut.CompletedAt, &ut.Note); err != nil {
			return nil, fmt.Errorf("failed to scan user task: %w", err)
		}
		out = append(out, ut)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user tasks: %w", err)
	}
	return out, nil
}

// SumPoints returns the ledger total for the user.
func (s *PostgresStore) SumPoints(ctx context.Context, userID string) (int, error) {
	var total int
	err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM points_ledger WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum points: %w", err)
	}
	return total, nil
}

// GetTaskDetail loads a task instance with its stage instance and rule sets.
func (s *PostgresStore) GetTaskDetail(ctx context.Context, userTaskID string) (*TaskDetail, error) {
	var (
		d                 TaskDetail
		condJSON, reqJSON []byte
	)

	row := s.db.QueryRow(ctx, `
		SELECT ut.id, ut.user_id, ut.user_stage_id, ut.task_id, t.code, t.order_index,
		       t.description, t.points, ut.is_completed, ut.completed_at, ut.note,
		       t.condition, s.requirements,
		       `+userStageColumns+`
		FROM user_tasks ut
		JOIN tasks t ON t.id = ut.task_id
		JOIN user_stages us ON us.id = ut.user_stage_id
		JOIN stages s ON s.id = us.stage_id
		JOIN chapters c ON c.id = s.chapter_id
		WHERE ut.id = $1
	`, userTaskID)

	var source, status, category string
	err := row.Scan(
		&d.Task.ID, &d.Task.UserID, &d.Task.UserStageID, &d.Task.TaskID, &d.Task.TaskCode, &d.Task.OrderIndex,
		&d.Task.Description, &d.Task.Points, &d.Task.IsCompleted, &d.Task.CompletedAt, &d.Task.Note,
		&condJSON, &reqJSON,
		&d.Stage.ID, &d.Stage.UserID, &d.Stage.StageID, &d.Stage.StageCode, &d.Stage.ChapterCode, &source,
		&d.Stage.Position, &status, &d.Stage.Progress, &d.Stage.PointsCurrent, &d.Stage.PointsTotal,
		&d.Stage.StartedAt, &d.Stage.CompletedAt, &d.Stage.Title, &d.Stage.Description, &d.Stage.Icon, &category,
	)
	if err != nil {
		if err = notFound(err); errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get task detail: %w", err)
	}

	d.Stage.Source = journey.Source(source)
	d.Stage.Category = journey.Category(category)
	if d.Stage.Status, err = journey.ParseStatus(status); err != nil {
		return nil, err
	}
	if d.Condition, err = ruleengine.ParseCondition(condJSON); err != nil {
		return nil, fmt.Errorf("task %q has invalid condition: %w", d.Task.TaskCode, err)
	}
	if d.StageRequirements, err = ruleengine.ParseRequirements(reqJSON); err != nil {
		return nil, fmt.Errorf("stage %q has invalid requirements: %w", d.Stage.StageCode, err)
	}
	return &d, nil
}
