package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetImportedFileHash returns the content hash recorded for an imported exam file.
// Returns empty string and nil error if the file was never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM imported_files WHERE path = $1`, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash upserts the content hash for an imported exam file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO imported_files (path, hash, imported_at) VALUES ($1, $2, $3)
		 ON CONFLICT(path) DO UPDATE SET hash = EXCLUDED.hash, imported_at = EXCLUDED.imported_at`,
		path, hash, time.Now().UTC(),
	)
	return err
}
