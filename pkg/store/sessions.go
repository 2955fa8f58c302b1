package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kiso-project/kiso/pkg/models"
)

// EnsureSession creates the session row if it does not exist yet and
// returns the current row. Webhook and description are only applied on
// creation; use UpdateSessionWebhook to change them later.
func (s *Store) EnsureSession(ctx context.Context, id, connector, webhook, description string) (*models.Session, error) {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, webhook, connector, description, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		id, webhook, connector, description, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession returns the session row by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, webhook, connector, description, summary, summarized_to, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// UpdateSessionWebhook sets the webhook URL and description for a session.
func (s *Store) UpdateSessionWebhook(ctx context.Context, id, webhook, description string) error {
	return s.execRow(ctx, `
		UPDATE sessions SET webhook = ?, description = ?, updated_at = ?
		WHERE id = ?`, webhook, description, now(), id)
}

// UpdateSessionSummary atomically replaces the session's rolling summary and
// advances the summarization watermark.
func (s *Store) UpdateSessionSummary(ctx context.Context, id, summary string, upTo int64) error {
	return s.execRow(ctx, `
		UPDATE sessions SET summary = ?, summarized_to = ?, updated_at = ?
		WHERE id = ?`, summary, upTo, now(), id)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook, connector, description, summary, summarized_to, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListSessionsForConnector returns the sessions created through the named
// connector, newest first.
func (s *Store) ListSessionsForConnector(ctx context.Context, connector string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook, connector, description, summary, summarized_to, created_at, updated_at
		FROM sessions WHERE connector = ? ORDER BY created_at DESC`, connector)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for connector: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListSessionsForUser returns the sessions the user has posted messages in.
func (s *Store) ListSessionsForUser(ctx context.Context, user string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT s.id, s.webhook, s.connector, s.description, s.summary,
			s.summarized_to, s.created_at, s.updated_at
		FROM sessions s
		JOIN messages m ON m.session = s.id
		WHERE m.user_name = ?
		ORDER BY s.created_at DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.Webhook, &sess.Connector, &sess.Description,
		&sess.Summary, &sess.SummarizedTo, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
