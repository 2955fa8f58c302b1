package store

import (
	"context"
	"fmt"

	"github.com/kiso-project/kiso/pkg/models"
)

// InsertLearning stores a reviewer-emitted learning in pending state.
func (s *Store) InsertLearning(ctx context.Context, content, session string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO learnings (content, session, status, reason, created_at)
		VALUES (?, ?, 'pending', '', ?)`, content, session, now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert learning: %w", err)
	}
	return res.LastInsertId()
}

// PendingLearnings returns the pending learnings of a session, oldest first.
func (s *Store) PendingLearnings(ctx context.Context, session string) ([]*models.Learning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, session, status, reason, created_at
		FROM learnings WHERE session = ? AND status = 'pending'
		ORDER BY id ASC`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to query learnings: %w", err)
	}
	defer rows.Close()

	var out []*models.Learning
	for rows.Next() {
		var l models.Learning
		if err := rows.Scan(&l.ID, &l.Content, &l.Session, &l.Status, &l.Reason, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan learning: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ResolveLearning records the curator verdict for a learning.
func (s *Store) ResolveLearning(ctx context.Context, id int64, status models.LearningStatus, reason string) error {
	return s.execRow(ctx, `
		UPDATE learnings SET status = ?, reason = ? WHERE id = ?`,
		status, reason, id)
}
