package store

import (
	"context"
	"fmt"

	"github.com/kiso-project/kiso/pkg/models"
)

// InsertPendingItem stores an open question emitted by the curator.
func (s *Store) InsertPendingItem(ctx context.Context, scope models.PendingScope, session, question string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_items (scope, session, question, status, created_at)
		VALUES (?, ?, ?, 'open', ?)`, scope, session, question, now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending item: %w", err)
	}
	return res.LastInsertId()
}

// OpenPendingItems returns open items visible in a session: global ones
// plus those scoped to the session.
func (s *Store) OpenPendingItems(ctx context.Context, session string) ([]*models.PendingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, session, question, status, created_at
		FROM pending_items
		WHERE status = 'open' AND (scope = 'global' OR session = ?)
		ORDER BY id ASC`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingItem
	for rows.Next() {
		var p models.PendingItem
		if err := rows.Scan(&p.ID, &p.Scope, &p.Session, &p.Question, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending item: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ResolvePendingItem closes an open item as answered or dropped.
func (s *Store) ResolvePendingItem(ctx context.Context, id int64, status models.PendingStatus) error {
	return s.execRow(ctx, `
		UPDATE pending_items SET status = ? WHERE id = ? AND status = 'open'`,
		status, id)
}
