package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kiso-project/kiso/pkg/models"
)

// InsertMessage stores a message and returns its id.
func (s *Store) InsertMessage(ctx context.Context, m *models.Message) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session, user_name, role, content, trusted, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Session, m.User, m.Role, m.Content, m.Trusted, m.Processed, now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return res.LastInsertId()
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session, user_name, role, content, trusted, processed, created_at
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// MarkMessageProcessed flips the processed flag. Done before any LLM work
// so a crash mid-plan never re-runs the message.
func (s *Store) MarkMessageProcessed(ctx context.Context, id int64) error {
	return s.execRow(ctx, `UPDATE messages SET processed = 1 WHERE id = ?`, id)
}

// UnprocessedTrusted returns trusted, unprocessed messages in id order.
// Used by startup recovery to re-enqueue work lost in a crash.
func (s *Store) UnprocessedTrusted(ctx context.Context) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, user_name, role, content, trusted, processed, created_at
		FROM messages
		WHERE trusted = 1 AND processed = 0
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// RecentTrustedMessages returns the last n trusted raw messages of a
// session, oldest first.
func (s *Store) RecentTrustedMessages(ctx context.Context, session string, n int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, user_name, role, content, trusted, processed, created_at
		FROM (
			SELECT * FROM messages
			WHERE session = ? AND trusted = 1
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, session, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// RecentUntrustedMessages returns the last n untrusted messages of a
// session, oldest first. These feed the paraphraser, never the planner
// directly.
func (s *Store) RecentUntrustedMessages(ctx context.Context, session string, n int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, user_name, role, content, trusted, processed, created_at
		FROM (
			SELECT * FROM messages
			WHERE session = ? AND trusted = 0
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, session, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query untrusted messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// CountMessagesSince counts session messages with id greater than afterID.
// Drives the summarization threshold.
func (s *Store) CountMessagesSince(ctx context.Context, session string, afterID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE session = ? AND id > ?`,
		session, afterID).Scan(&n)
	return n, err
}

// MessagesSince returns session messages with id greater than afterID,
// oldest first, capped at limit.
func (s *Store) MessagesSince(ctx context.Context, session string, afterID int64, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, user_name, role, content, trusted, processed, created_at
		FROM messages
		WHERE session = ? AND id > ?
		ORDER BY id ASC LIMIT ?`, session, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.Session, &m.User, &m.Role, &m.Content,
		&m.Trusted, &m.Processed, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
