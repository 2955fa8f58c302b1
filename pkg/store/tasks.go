package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kiso-project/kiso/pkg/models"
)

// InsertTasks stores a plan's tasks in one transaction. Indices are 1-based
// and must be dense; the UNIQUE(plan_id, task_index) constraint enforces
// uniqueness. Assigned ids are written back into the slice.
func (s *Store) InsertTasks(ctx context.Context, tasks []*models.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	for _, t := range tasks {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (plan_id, task_index, type, detail, skill, args,
				expect, command, status, output, stderr, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
			t.PlanID, t.Index, t.Type, t.Detail, t.Skill, t.Args,
			t.Expect, t.Command, t.Status, ts, ts)
		if err != nil {
			return fmt.Errorf("failed to insert task %d: %w", t.Index, err)
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, task_index, type, detail, skill, args, expect,
			command, status, output, stderr, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// TasksForPlan returns a plan's tasks in index order.
func (s *Store) TasksForPlan(ctx context.Context, planID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, task_index, type, detail, skill, args, expect,
			command, status, output, stderr, created_at, updated_at
		FROM tasks WHERE plan_id = ? ORDER BY task_index ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// TasksForSessionAfter returns terminal and running tasks of a session with
// id greater than afterID, oldest first. Backs the /status polling channel.
func (s *Store) TasksForSessionAfter(ctx context.Context, session string, afterID int64) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.plan_id, t.task_index, t.type, t.detail, t.skill, t.args,
			t.expect, t.command, t.status, t.output, t.stderr, t.created_at, t.updated_at
		FROM tasks t
		JOIN plans p ON p.id = t.plan_id
		WHERE p.session = ? AND t.id > ?
		ORDER BY t.id ASC`, session, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// RecentMsgOutputs returns the outputs of the session's last n delivered
// msg tasks, oldest first. These feed the planner's conversation context.
func (s *Store) RecentMsgOutputs(ctx context.Context, session string, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT output FROM (
			SELECT t.id, t.output
			FROM tasks t
			JOIN plans p ON p.id = t.plan_id
			WHERE p.session = ? AND t.type = 'msg' AND t.status = 'done'
			ORDER BY t.id DESC LIMIT ?
		) ORDER BY id ASC`, session, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query msg outputs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("failed to scan msg output: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateTaskStatus moves a task to the given status. Terminal states are
// final; updates against them are silent no-ops (status monotonicity).
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status models.TaskStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('done', 'failed', 'cancelled')`,
		status, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// FinishTask records the terminal status together with output and stderr.
// Output must be sanitized by the caller before it reaches the store.
func (s *Store) FinishTask(ctx context.Context, id int64, status models.TaskStatus, output, stderr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, output = ?, stderr = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('done', 'failed', 'cancelled')`,
		status, output, stderr, now(), id)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	return nil
}

// SetTaskCommand persists the exec translator's output for the task.
func (s *Store) SetTaskCommand(ctx context.Context, id int64, command string) error {
	return s.execRow(ctx, `
		UPDATE tasks SET command = ?, updated_at = ? WHERE id = ?`,
		command, now(), id)
}

// CancelPendingTasks marks all non-terminal tasks of a plan cancelled and
// returns how many were affected.
func (s *Store) CancelPendingTasks(ctx context.Context, planID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', updated_at = ?
		WHERE plan_id = ? AND status IN ('pending', 'running')`,
		now(), planID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel tasks: %w", err)
	}
	return res.RowsAffected()
}

// FailPendingTasks marks all non-terminal tasks of a plan failed.
func (s *Store) FailPendingTasks(ctx context.Context, planID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', updated_at = ?
		WHERE plan_id = ? AND status IN ('pending', 'running')`,
		now(), planID)
	if err != nil {
		return fmt.Errorf("failed to fail tasks: %w", err)
	}
	return nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.PlanID, &t.Index, &t.Type, &t.Detail, &t.Skill,
		&t.Args, &t.Expect, &t.Command, &t.Status, &t.Output, &t.Stderr,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*models.Task, error) {
	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
