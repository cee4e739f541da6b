package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/billpoulson/animedb/internal/organizer"
	"github.com/billpoulson/animedb/internal/plex"
	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

// Client is the outbound half of federation: probing, browsing, pulling and
// replicating from known peers.
type Client struct {
	store        *store.Store
	organizer    *organizer.Organizer
	plex         *plex.Notifier
	logger       logging.Logger
	downloadRoot string

	// Control calls are bounded; stream bodies are not (a large file takes
	// as long as it takes).
	control *http.Client
	stream  *http.Client

	transfers *prometheus.CounterVec // operation/status, may be nil
	bytes     *prometheus.CounterVec // operation, may be nil
}

// ClientConfig holds federation client dependencies.
type ClientConfig struct {
	Store        *store.Store
	Organizer    *organizer.Organizer
	Plex         *plex.Notifier
	Logger       logging.Logger
	DownloadRoot string
	// ControlTimeout bounds probe/browse/announce/resolve calls (default 15s).
	ControlTimeout time.Duration
	Transfers      *prometheus.CounterVec
	Bytes          *prometheus.CounterVec
}

// NewClient creates a federation client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.ControlTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		store:        cfg.Store,
		organizer:    cfg.Organizer,
		plex:         cfg.Plex,
		logger:       cfg.Logger,
		downloadRoot: cfg.DownloadRoot,
		control:      &http.Client{Timeout: timeout},
		stream:       &http.Client{},
		transfers:    cfg.Transfers,
		bytes:        cfg.Bytes,
	}
}

// Probe validates a prospective peer before it is persisted: the library
// endpoint must answer with our key and look like an AnimeDB node. The only
// schema assertion is the presence of instanceName.
func (c *Client) Probe(ctx context.Context, url, apiKey string) (*LibraryResponse, error) {
	lib, err := c.fetchLibrary(ctx, store.NormalizePeerURL(url), apiKey)
	if err != nil {
		return nil, err
	}
	if lib.InstanceName == "" {
		return nil, ErrNotAnimeDB
	}
	return lib, nil
}

// BrowseLibrary fetches a known peer's library and refreshes last_seen.
func (c *Client) BrowseLibrary(ctx context.Context, peer *store.Peer) (*LibraryResponse, error) {
	lib, err := c.fetchLibrary(ctx, peer.URL, peer.APIKey)
	if err != nil {
		return nil, err
	}
	_ = c.store.TouchPeer(ctx, peer.ID)
	return lib, nil
}

func (c *Client) fetchLibrary(ctx context.Context, baseURL, apiKey string) (*LibraryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/federation/library", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.control.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrInvalidKey
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnreachable, resp.StatusCode)
	}

	var lib LibraryResponse
	if err := json.NewDecoder(resp.Body).Decode(&lib); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnimeDB, err)
	}
	return &lib, nil
}

// announce POSTs our current address to one peer. Callers ignore failures;
// peers self-heal through gossip on their next contact.
func (c *Client) announce(ctx context.Context, peer *store.Peer, instanceID, url string) error {
	body, err := json.Marshal(AnnounceRequest{InstanceID: instanceID, URL: url})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		peer.URL+"/federation/announce", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+peer.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.control.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("announce to %s: status %d", peer.Name, resp.StatusCode)
	}
	return nil
}

// transfer streams one remote item to disk and finalizes the local row.
// The destination filename comes from Content-Disposition, falling back to
// <localID>.mkv. Progress is written per chunk when the peer reports a
// Content-Length.
func (c *Client) transfer(ctx context.Context, peer *store.Peer, remoteID, localID, operation string) error {
	streamURL := fmt.Sprintf("%s/federation/download/%s/stream", peer.URL, remoteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+peer.APIKey)

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: stream returned %d", ErrUnreachable, resp.StatusCode)
	}

	filename := localID + ".mkv"
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			filename = filepath.Base(params["filename"])
		}
	}

	dir := filepath.Join(c.downloadRoot, localID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create transfer directory: %w", err)
	}
	dst := filepath.Join(dir, filename)

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}

	total := resp.ContentLength
	var received int64
	var lastProgress int
	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				_ = out.Close()
				_ = os.Remove(dst)
				return fmt.Errorf("write chunk: %w", writeErr)
			}
			received += int64(n)
			c.countBytes(operation, n)

			if total > 0 {
				progress := progressPercent(received, total)
				if progress != lastProgress {
					lastProgress = progress
					_ = c.store.SetDownloadProgress(context.Background(), localID, progress)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = out.Close()
			_ = os.Remove(dst)
			return fmt.Errorf("read stream: %w", readErr)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("flush destination: %w", err)
	}

	if err := c.store.CompleteDownload(context.Background(), localID, dst, ""); err != nil {
		return err
	}

	c.logger.WithFields(logging.Fields{
		"peer":     peer.Name,
		"remote":   remoteID,
		"download": localID,
		"bytes":    received,
	}).Info("Federation transfer complete")
	return nil
}

// progressPercent rounds received/total to a whole percentage.
func progressPercent(received, total int64) int {
	return int(float64(received)/float64(total)*100 + 0.5)
}

// autoMove runs the organizer for a freshly transferred item and pokes the
// media indexer. Failures leave the item completed in staging.
func (c *Client) autoMove(ctx context.Context, localID string, lib *store.Library) {
	d, err := c.store.GetDownload(ctx, localID)
	if err != nil {
		c.logger.WithError(err).WithField("download", localID).Warn("Auto-move lookup failed")
		return
	}

	newPath, err := c.organizer.Move(d, lib)
	if err != nil {
		c.logger.WithError(err).WithField("download", localID).Warn("Auto-move failed")
		return
	}
	if err := c.store.SetDownloadLibraryState(ctx, localID, true, &lib.ID, newPath); err != nil {
		c.logger.WithError(err).WithField("download", localID).Warn("Auto-move state write failed")
		return
	}

	if c.plex != nil && lib.PlexSectionID != nil {
		c.plex.RefreshSection(*lib.PlexSectionID)
	}
}

// markTransferFailed records a background transfer failure on the row.
func (c *Client) markTransferFailed(localID string, cause error) {
	msg := cause.Error()
	if err := c.store.SetDownloadStatus(context.Background(), localID, store.StatusFailed, &msg); err != nil {
		c.logger.WithError(err).WithField("download", localID).Error("Failed to record transfer failure")
	}
}

func (c *Client) countTransfer(operation, status string) {
	if c.transfers != nil {
		c.transfers.WithLabelValues(operation, status).Inc()
	}
}

func (c *Client) countBytes(operation string, n int) {
	if c.bytes != nil {
		c.bytes.WithLabelValues(operation).Add(float64(n))
	}
}
