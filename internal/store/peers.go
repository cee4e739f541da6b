package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const peerColumns = `id, name, url, api_key, instance_id, auto_replicate, sync_library_id, last_seen, created_at`

// NormalizePeerURL strips trailing slashes; peer URLs are stored without them
// so federation URLs compose deterministically.
func NormalizePeerURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}

func scanPeer(row interface{ Scan(...any) error }) (*Peer, error) {
	var p Peer
	err := row.Scan(&p.ID, &p.Name, &p.URL, &p.APIKey, &p.InstanceID,
		&p.AutoReplicate, &p.SyncLibraryID, &p.LastSeen, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePeer inserts a peer row, normalizing the URL and minting an ID.
func (s *Store) CreatePeer(ctx context.Context, p *Peer) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.URL = NormalizePeerURL(p.URL)
	p.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (id, name, url, api_key, instance_id, auto_replicate, sync_library_id, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.URL, p.APIKey, p.InstanceID, p.AutoReplicate, p.SyncLibraryID, p.LastSeen, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	return nil
}

// GetPeer returns a peer by id.
func (s *Store) GetPeer(ctx context.Context, id string) (*Peer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE id = ?`, id)
	return scanPeer(row)
}

// FindPeerByInstanceID returns the peer with the given remote instance ID.
func (s *Store) FindPeerByInstanceID(ctx context.Context, instanceID string) (*Peer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE instance_id = ?`, instanceID)
	return scanPeer(row)
}

// ListPeers returns all peers in creation order. The stable order matters to
// gossip resolve, which walks peers deterministically.
func (s *Store) ListPeers(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()
	return collectPeers(rows)
}

// ListAutoReplicatePeers returns peers flagged for periodic sync.
func (s *Store) ListAutoReplicatePeers(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE auto_replicate = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list auto-replicate peers: %w", err)
	}
	defer rows.Close()
	return collectPeers(rows)
}

func collectPeers(rows *sql.Rows) ([]Peer, error) {
	peers := make([]Peer, 0)
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, *p)
	}
	return peers, rows.Err()
}

// UpdatePeerURL rewrites a peer's address (self-heal via announce or resolve)
// and refreshes last_seen.
func (s *Store) UpdatePeerURL(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE peers SET url = ?, last_seen = ? WHERE id = ?`,
		NormalizePeerURL(url), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update peer %s url: %w", id, err)
	}
	return nil
}

// SetPeerInstanceID records the remote node's identity after a probe.
func (s *Store) SetPeerInstanceID(ctx context.Context, id, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE peers SET instance_id = ?, last_seen = ? WHERE id = ?`,
		instanceID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set peer %s instance id: %w", id, err)
	}
	return nil
}

// TouchPeer refreshes last_seen after any successful contact.
func (s *Store) TouchPeer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE peers SET last_seen = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// UpdatePeerSync patches the auto-replicate flag and sync target.
func (s *Store) UpdatePeerSync(ctx context.Context, id string, autoReplicate *bool, syncLibraryID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE peers SET
			auto_replicate = COALESCE(?, auto_replicate),
			sync_library_id = COALESCE(?, sync_library_id)
		WHERE id = ?`,
		autoReplicate, syncLibraryID, id)
	if err != nil {
		return fmt.Errorf("update peer %s sync: %w", id, err)
	}
	return nil
}

// DeletePeer removes the row.
func (s *Store) DeletePeer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete peer %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
