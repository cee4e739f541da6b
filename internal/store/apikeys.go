package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HashAPIKey returns the stored form of a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a new 256-bit key, stores its hash and returns the raw
// key. The raw value is never persisted and cannot be recovered later.
func (s *Store) CreateAPIKey(ctx context.Context, label string) (*APIKey, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	raw := hex.EncodeToString(buf)

	key := &APIKey{
		ID:        uuid.New().String(),
		Label:     label,
		KeyHash:   HashAPIKey(raw),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, label, key_hash, created_at) VALUES (?, ?, ?, ?)`,
		key.ID, key.Label, key.KeyHash, key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	return key, raw, nil
}

// ListAPIKeys returns all key rows (hashes omitted from JSON).
func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, key_hash, created_at FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKey, 0)
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Label, &k.KeyHash, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// FindAPIKeyByHash looks up a key row by its stored hash. Deleting a row
// revokes the key on the next request.
func (s *Store) FindAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, key_hash, created_at FROM api_keys WHERE key_hash = ?`, hash).
		Scan(&k.ID, &k.Label, &k.KeyHash, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// DeleteAPIKey removes a key row.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
