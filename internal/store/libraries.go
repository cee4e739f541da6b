package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const libraryColumns = `id, name, path, type, plex_section_id, created_at`

func scanLibrary(row interface{ Scan(...any) error }) (*Library, error) {
	var l Library
	err := row.Scan(&l.ID, &l.Name, &l.Path, &l.Type, &l.PlexSectionID, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLibrary inserts a library row, minting an ID when absent.
func (s *Store) CreateLibrary(ctx context.Context, l *Library) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Type == "" {
		l.Type = CategoryOther
	}
	l.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO libraries (id, name, path, type, plex_section_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.Name, l.Path, l.Type, l.PlexSectionID, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("create library: %w", err)
	}
	return nil
}

// GetLibrary returns a library by id.
func (s *Store) GetLibrary(ctx context.Context, id string) (*Library, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+libraryColumns+` FROM libraries WHERE id = ?`, id)
	return scanLibrary(row)
}

// ListLibraries returns all libraries ordered by name.
func (s *Store) ListLibraries(ctx context.Context) ([]Library, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+libraryColumns+` FROM libraries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer rows.Close()

	libraries := make([]Library, 0)
	for rows.Next() {
		l, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libraries = append(libraries, *l)
	}
	return libraries, rows.Err()
}

// UpdateLibrary patches library fields; nil pointers leave columns untouched.
func (s *Store) UpdateLibrary(ctx context.Context, id string, name, path, typ *string, plexSectionID *int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE libraries SET
			name = COALESCE(?, name),
			path = COALESCE(?, path),
			type = COALESCE(?, type),
			plex_section_id = COALESCE(?, plex_section_id)
		WHERE id = ?`,
		name, path, typ, plexSectionID, id)
	if err != nil {
		return fmt.Errorf("update library %s: %w", id, err)
	}
	return nil
}

// DeleteLibrary removes the row. Downloads pointing at it keep their
// library_id; the relation is intentionally orphan-tolerant.
func (s *Store) DeleteLibrary(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM libraries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete library %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
