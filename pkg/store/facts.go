package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kiso-project/kiso/pkg/models"
)

// InsertFact stores a fact and returns its id.
func (s *Store) InsertFact(ctx context.Context, f *models.Fact) (int64, error) {
	ts := now()
	lastUsed := f.LastUsed
	if lastUsed.IsZero() {
		lastUsed = ts
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (content, category, confidence, use_count, last_used, session, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Content, f.Category, f.Confidence, f.UseCount, lastUsed, f.Session, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to insert fact: %w", err)
	}
	return res.LastInsertId()
}

// FactsForSession returns the facts visible in a session: project, tool,
// and general facts globally, plus user facts originating in the session.
func (s *Store) FactsForSession(ctx context.Context, session string) ([]*models.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, category, confidence, use_count, last_used, session, created_at
		FROM facts
		WHERE category != 'user' OR session = ?
		ORDER BY confidence DESC, last_used DESC`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// AllFacts returns every fact row.
func (s *Store) AllFacts(ctx context.Context) ([]*models.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, category, confidence, use_count, last_used, session, created_at
		FROM facts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// CountFacts returns the number of live facts.
func (s *Store) CountFacts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&n)
	return n, err
}

// TouchFacts bumps use_count and last_used for the given fact ids.
func (s *Store) TouchFacts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ts := now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE facts SET use_count = use_count + 1, last_used = ? WHERE id = ?`,
			ts, id); err != nil {
			return fmt.Errorf("failed to touch fact %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// ReplaceFacts atomically swaps the whole fact set for the consolidated
// list. Session provenance is preserved only for user facts carried over by
// the summarizer in content; consolidated facts are global by construction.
func (s *Store) ReplaceFacts(ctx context.Context, facts []*models.Fact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM facts`); err != nil {
		return fmt.Errorf("failed to clear facts: %w", err)
	}

	ts := now()
	for _, f := range facts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO facts (content, category, confidence, use_count, last_used, session, created_at)
			VALUES (?, ?, ?, 0, ?, ?, ?)`,
			f.Content, f.Category, f.Confidence, ts, f.Session, ts); err != nil {
			return fmt.Errorf("failed to insert consolidated fact: %w", err)
		}
	}
	return tx.Commit()
}

// DecayFacts lowers confidence by rate for facts unused since the cutoff,
// then archives every fact whose confidence dropped below threshold.
// Returns (decayed, archived) counts.
func (s *Store) DecayFacts(ctx context.Context, cutoff time.Time, rate, threshold float64) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE facts SET confidence = MAX(confidence - ?, 0.0)
		WHERE last_used < ?`, rate, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decay facts: %w", err)
	}
	decayed, _ := res.RowsAffected()

	ts := now()
	res, err = tx.ExecContext(ctx, `
		INSERT INTO facts_archive (id, content, category, confidence, use_count,
			last_used, session, created_at, archived_at)
		SELECT id, content, category, confidence, use_count, last_used, session, created_at, ?
		FROM facts WHERE confidence < ?`, ts, threshold)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to archive facts: %w", err)
	}
	archived, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE confidence < ?`, threshold); err != nil {
		return 0, 0, fmt.Errorf("failed to delete archived facts: %w", err)
	}

	return decayed, archived, tx.Commit()
}

func collectFacts(rows *sql.Rows) ([]*models.Fact, error) {
	var out []*models.Fact
	for rows.Next() {
		var f models.Fact
		err := rows.Scan(&f.ID, &f.Content, &f.Category, &f.Confidence,
			&f.UseCount, &f.LastUsed, &f.Session, &f.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
