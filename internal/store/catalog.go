package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/ruleengine"
)

// ApplyCatalog upserts the whole catalog atomically. Stages reference their
// chapter by code, tasks are matched by their own code.
func (s *PostgresStore) ApplyCatalog(ctx context.Context, chapters []journey.Chapter, stages []journey.Stage) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range chapters {
		_, err := tx.Exec(ctx, `
			INSERT INTO chapters (code, title, order_index)
			VALUES ($1, $2, $3)
			ON CONFLICT (code) DO UPDATE
			SET title = EXCLUDED.title, order_index = EXCLUDED.order_index, updated_at = NOW()
		`, c.Code, c.Title, c.OrderIndex)
		if err != nil {
			return fmt.Errorf("failed to upsert chapter %q: %w", c.Code, err)
		}
	}

	for _, st := range stages {
		reqJSON, err := json.Marshal(st.Requirements)
		if err != nil {
			return fmt.Errorf("failed to encode requirements of stage %q: %w", st.Code, err)
		}

		var stageID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO stages (code, chapter_id, order_index, title, description, icon, category, requirements, reward_points, seed)
			VALUES ($1, (SELECT id FROM chapters WHERE code = $2), $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (code) DO UPDATE
			SET chapter_id = EXCLUDED.chapter_id,
			    order_index = EXCLUDED.order_index,
			    title = EXCLUDED.title,
			    description = EXCLUDED.description,
			    icon = EXCLUDED.icon,
			    category = EXCLUDED.category,
			    requirements = EXCLUDED.requirements,
			    reward_points = EXCLUDED.reward_points,
			    seed = EXCLUDED.seed,
			    updated_at = NOW()
			RETURNING id
		`, st.Code, st.ChapterCode, st.OrderIndex, st.Title, st.Description, st.Icon,
			string(st.Category), reqJSON, st.RewardPoints, st.Seed,
		).Scan(&stageID)
		if err != nil {
			return fmt.Errorf("failed to upsert stage %q: %w", st.Code, err)
		}

		for _, task := range st.Tasks {
			condJSON, err := json.Marshal(task.Condition)
			if err != nil {
				return fmt.Errorf("failed to encode condition of task %q: %w", task.Code, err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO tasks (stage_id, code, order_index, description, condition, points)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (code) DO UPDATE
				SET stage_id = EXCLUDED.stage_id,
				    order_index = EXCLUDED.order_index,
				    description = EXCLUDED.description,
				    condition = EXCLUDED.condition,
				    points = EXCLUDED.points,
				    updated_at = NOW()
			`, stageID, task.Code, task.OrderIndex, task.Description, condJSON, task.Points)
			if err != nil {
				return fmt.Errorf("failed to upsert task %q: %w", task.Code, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit catalog: %w", err)
	}
	return nil
}

// ListChapters returns every chapter ordered by order_index.
func (s *PostgresStore) ListChapters(ctx context.Context) ([]journey.Chapter, error) {
	rows, err := s.db.Query(ctx, `SELECT id, code, title, order_index FROM chapters ORDER BY order_index`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	defer rows.Close()

	var out []journey.Chapter
	for rows.Next() {
		var c journey.Chapter
		if err := rows.Scan(&c.ID, &c.Code, &c.Title, &c.OrderIndex); err != nil {
			return nil, fmt.Errorf("failed to scan chapter: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chapters: %w", err)
	}
	return out, nil
}

// ListStages returns stage templates with their tasks, ordered by order_index.
func (s *PostgresStore) ListStages(ctx context.Context, codes ...string) ([]journey.Stage, error) {
	query := `
		SELECT s.id, s.code, c.code, s.order_index, s.title, s.description, s.icon,
		       s.category, s.requirements, s.reward_points, s.seed
		FROM stages s
		JOIN chapters c ON c.id = s.chapter_id
		WHERE cardinality($1::text[]) = 0 OR s.code = ANY($1)
		ORDER BY s.order_index
	`
	if codes == nil {
		codes = []string{}
	}

	rows, err := s.db.Query(ctx, query, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer rows.Close()

	var (
		stages []journey.Stage
		ids    []int64
	)
	for rows.Next() {
		var (
			st       journey.Stage
			category string
			reqJSON  []byte
		)
		if err := rows.Scan(&st.ID, &st.Code, &st.ChapterCode, &st.OrderIndex, &st.Title,
			&st.Description, &st.Icon, &category, &reqJSON, &st.RewardPoints, &st.Seed); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		st.Category = journey.Category(category)
		st.Requirements, err = ruleengine.ParseRequirements(reqJSON)
		if err != nil {
			return nil, fmt.Errorf("stage %q has invalid requirements: %w", st.Code, err)
		}
		stages = append(stages, st)
		ids = append(ids, st.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stages: %w", err)
	}
	if len(stages) == 0 {
		return stages, nil
	}

	tasks, err := s.listTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range stages {
		stages[i].Tasks = tasks[stages[i].ID]
	}
	return stages, nil
}

// listTasks loads task templates for the given stages, grouped by stage ID.
func (s *PostgresStore) listTasks(ctx context.Context, stageIDs []int64) (map[int64][]journey.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, stage_id, code, order_index, description, condition, points
		FROM tasks
		WHERE stage_id = ANY($1)
		ORDER BY stage_id, order_index
	`, stageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]journey.Task, len(stageIDs))
	for rows.Next() {
		var (
			t        journey.Task
			condJSON []byte
		)
		if err := rows.Scan(&t.ID, &t.StageID, &t.Code, &t.OrderIndex, &t.Description, &condJSON, &t.Points); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Condition, err = ruleengine.ParseCondition(condJSON)
		if err != nil {
			return nil, fmt.Errorf("task %q has invalid condition: %w", t.Code, err)
		}
		out[t.StageID] = append(out[t.StageID], t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}
