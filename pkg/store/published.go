package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kiso-project/kiso/pkg/models"
)

// InsertPublishedFile records a published file under its URL token.
func (s *Store) InsertPublishedFile(ctx context.Context, f *models.PublishedFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO published_files (id, session, filename, path, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.Session, f.Filename, f.Path, now())
	if err != nil {
		return fmt.Errorf("failed to insert published file: %w", err)
	}
	return nil
}

// GetPublishedFile resolves a URL token to its published file row.
func (s *Store) GetPublishedFile(ctx context.Context, id string) (*models.PublishedFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session, filename, path, created_at
		FROM published_files WHERE id = ?`, id)

	var f models.PublishedFile
	err := row.Scan(&f.ID, &f.Session, &f.Filename, &f.Path, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan published file: %w", err)
	}
	return &f, nil
}
