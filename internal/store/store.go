package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/billpoulson/animedb/pkg/logging"
)

// Store is the persistence layer. All authoritative state lives in the
// embedded database; callers may run its methods from any workflow, the
// engine serializes writes internally.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// New creates a Store over an open database connection.
func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Settings keys used by the core.
const (
	SettingInstanceID   = "instance_id"
	SettingPasswordHash = "password_hash"
	SettingSessionToken = "session_token"
	SettingPlexURL      = "plex_url"
	SettingPlexToken    = "plex_token"
	SettingExternalURL  = "external_url"
)

// GetSetting returns the value for key, or "" if unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a settings row.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes a settings row if present.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

// EnsureInstanceID mints and persists the node's stable 128-bit identity on
// first start and returns the stored value on every subsequent call. The ID
// never changes for the lifetime of the database.
func (s *Store) EnsureInstanceID(ctx context.Context) (string, error) {
	id, err := s.GetSetting(ctx, SettingInstanceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := s.SetSetting(ctx, SettingInstanceID, id); err != nil {
		return "", err
	}
	s.logger.WithField("instance_id", id).Info("Minted new instance ID")
	return id, nil
}
