package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const downloadColumns = `id, url, title, category, season, episode, status, progress,
	file_path, error, moved_to_library, library_id, created_at, updated_at`

func scanDownload(row interface{ Scan(...any) error }) (*Download, error) {
	var d Download
	err := row.Scan(&d.ID, &d.URL, &d.Title, &d.Category, &d.Season, &d.Episode,
		&d.Status, &d.Progress, &d.FilePath, &d.Error, &d.MovedToLibrary,
		&d.LibraryID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDownload inserts a new download row. A missing ID is minted; a
// missing status defaults to queued.
func (s *Store) CreateDownload(ctx context.Context, d *Download) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = StatusQueued
	}
	if d.Category == "" {
		d.Category = CategoryOther
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (id, url, title, category, season, episode, status, progress,
			file_path, error, moved_to_library, library_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.URL, d.Title, d.Category, d.Season, d.Episode, d.Status, d.Progress,
		d.FilePath, d.Error, d.MovedToLibrary, d.LibraryID, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create download: %w", err)
	}
	return nil
}

// GetDownload returns a download by id, or ErrNoRows wrapped as sql.ErrNoRows.
func (s *Store) GetDownload(ctx context.Context, id string) (*Download, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	return scanDownload(row)
}

// GetDownloadByURL returns the first download whose url matches exactly.
func (s *Store) GetDownloadByURL(ctx context.Context, url string) (*Download, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE url = ? ORDER BY created_at LIMIT 1`, url)
	return scanDownload(row)
}

// ListDownloads returns every download, newest first.
func (s *Store) ListDownloads(ctx context.Context) ([]Download, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()
	return collectDownloads(rows)
}

// ListCompletedOriginals returns completed downloads that did not arrive via
// federation. These are the only items exposed to peers; excluding replicas
// prevents replication loops.
func (s *Store) ListCompletedOriginals(ctx context.Context) ([]Download, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE status = ? AND url NOT LIKE 'federation://%'
		ORDER BY created_at`, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list completed originals: %w", err)
	}
	defer rows.Close()
	return collectDownloads(rows)
}

func collectDownloads(rows *sql.Rows) ([]Download, error) {
	downloads := make([]Download, 0)
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		downloads = append(downloads, *d)
	}
	return downloads, rows.Err()
}

// NextQueued returns the oldest queued download, or nil when the queue is
// drained. Federation transfers are excluded: their rows are driven by the
// transfer loops, not by the tool queue.
func (s *Store) NextQueued(ctx context.Context) (*Download, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE status = ? AND url NOT LIKE 'federation://%'
		ORDER BY created_at LIMIT 1`, StatusQueued)
	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// RecoverInterrupted cleans up rows left in-flight by a previous process.
// Originals go back to queued so the queue picks them up again. Federation
// transfers have no surviving transfer loop and must not reach the tool
// queue, so they are marked failed; the next replicate re-queues them.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	msg := "Interrupted by restart"
	if _, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, error = ?, updated_at = ?
		WHERE status IN (?, ?, ?) AND url LIKE 'federation://%'`,
		StatusFailed, msg, now, StatusQueued, StatusDownloading, StatusProcessing); err != nil {
		return 0, fmt.Errorf("recover interrupted transfers: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, progress = 0, updated_at = ?
		WHERE status IN (?, ?)`,
		StatusQueued, now, StatusDownloading, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted downloads: %w", err)
	}
	return res.RowsAffected()
}

// SetDownloadStatus writes a status transition, optionally recording an error
// message. Progress is untouched.
func (s *Store) SetDownloadStatus(ctx context.Context, id, status string, errMsg *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set download %s status: %w", id, err)
	}
	return nil
}

// MarkDownloading flips a row to downloading with zeroed progress.
func (s *Store) MarkDownloading(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, progress = 0, error = NULL, updated_at = ? WHERE id = ?`,
		StatusDownloading, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark download %s downloading: %w", id, err)
	}
	return nil
}

// SetDownloadProgress clamps and writes progress for an in-flight row.
func (s *Store) SetDownloadProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set download %s progress: %w", id, err)
	}
	return nil
}

// CompleteDownload finalizes a row: completed, full progress, file path. The
// tool-reported title is adopted only when the stored title is empty.
func (s *Store) CompleteDownload(ctx context.Context, id, filePath, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, progress = 100, file_path = ?, error = NULL,
			title = CASE WHEN title = '' AND ? != '' THEN ? ELSE title END,
			updated_at = ?
		WHERE id = ?`,
		StatusCompleted, filePath, title, title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete download %s: %w", id, err)
	}
	return nil
}

// UpdateDownloadMeta patches user-editable fields. Nil pointers leave the
// column untouched.
func (s *Store) UpdateDownloadMeta(ctx context.Context, id string, title, category *string, season, episode *int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET
			title = COALESCE(?, title),
			category = COALESCE(?, category),
			season = COALESCE(?, season),
			episode = COALESCE(?, episode),
			updated_at = ?
		WHERE id = ?`,
		title, category, season, episode, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update download %s: %w", id, err)
	}
	return nil
}

// SetDownloadLibraryState records a move or unmove: the moved flag, the
// (possibly nil) library and the file's new location.
func (s *Store) SetDownloadLibraryState(ctx context.Context, id string, moved bool, libraryID *string, filePath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET moved_to_library = ?, library_id = ?, file_path = ?, updated_at = ?
		WHERE id = ?`,
		moved, libraryID, filePath, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set download %s library state: %w", id, err)
	}
	return nil
}

// DeleteDownload removes the row. Files on disk are the caller's concern.
func (s *Store) DeleteDownload(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete download %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
