package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kiso-project/kiso/pkg/models"
)

// InsertPlan stores a plan row. The caller assigns the id (UUID).
func (s *Store) InsertPlan(ctx context.Context, p *models.Plan) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, session, message_id, goal, status, parent_id,
			extend_replan, input_tokens, output_tokens, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Session, p.MessageID, p.Goal, p.Status, p.ParentID,
		p.ExtendReplan, p.InputTokens, p.OutputTokens, p.Model, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	return nil
}

// GetPlan returns one plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session, message_id, goal, status, parent_id, extend_replan,
			input_tokens, output_tokens, model, created_at, updated_at
		FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// LatestPlan returns the most recent plan of a session, or ErrNotFound.
func (s *Store) LatestPlan(ctx context.Context, session string) (*models.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session, message_id, goal, status, parent_id, extend_replan,
			input_tokens, output_tokens, model, created_at, updated_at
		FROM plans WHERE session = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, session)
	return scanPlan(row)
}

// UpdatePlanStatus moves a plan to the given status. Terminal states are
// final: updating an already-terminal plan is a silent no-op so recovery
// and cancel paths stay idempotent.
func (s *Store) UpdatePlanStatus(ctx context.Context, id string, status models.PlanStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('done', 'failed', 'cancelled')`,
		status, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}
	return nil
}

// RecordPlanUsage stores total token usage and the primary model.
func (s *Store) RecordPlanUsage(ctx context.Context, id string, inputTokens, outputTokens int, model string) error {
	return s.execRow(ctx, `
		UPDATE plans SET input_tokens = ?, output_tokens = ?, model = ?, updated_at = ?
		WHERE id = ?`, inputTokens, outputTokens, model, now(), id)
}

// PlansForMessage returns all plans attached to a message, oldest first.
// Replans appear as separate rows linked by parent_id.
func (s *Store) PlansForMessage(ctx context.Context, messageID int64) ([]*models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, message_id, goal, status, parent_id, extend_replan,
			input_tokens, output_tokens, model, created_at, updated_at
		FROM plans WHERE message_id = ? ORDER BY created_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var out []*models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	var p models.Plan
	err := row.Scan(&p.ID, &p.Session, &p.MessageID, &p.Goal, &p.Status,
		&p.ParentID, &p.ExtendReplan, &p.InputTokens, &p.OutputTokens,
		&p.Model, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	return &p, nil
}
