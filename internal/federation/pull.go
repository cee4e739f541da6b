package federation

import (
	"context"
	"database/sql"

	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

// PullOptions control a single-item pull.
type PullOptions struct {
	AutoMove  bool    `json:"autoMove"`
	LibraryID *string `json:"libraryId"`
}

// PullItem starts pulling one item from a peer. It validates synchronously
// (conflict and existence checks), inserts the local row, and returns it
// while the transfer continues in the background. Pulled rows keep the
// remote's id, so repeat pulls of the same item are detectable.
func (c *Client) PullItem(ctx context.Context, peer *store.Peer, remoteID string, opts PullOptions) (*store.Download, error) {
	retry := false
	if existing, err := c.store.GetDownload(ctx, remoteID); err == nil {
		switch existing.Status {
		case store.StatusCompleted, store.StatusDownloading, store.StatusQueued:
			return nil, ErrAlreadyPresent
		default:
			// failed or cancelled: the row is reused for the retry
			retry = true
		}
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	lib, err := c.BrowseLibrary(ctx, peer)
	if err != nil {
		return nil, err
	}
	var item *LibraryItem
	for i := range lib.Items {
		if lib.Items[i].ID == remoteID {
			item = &lib.Items[i]
			break
		}
	}
	if item == nil {
		return nil, ErrRemoteMissing
	}

	var targetLib *store.Library
	if opts.AutoMove && opts.LibraryID != nil {
		targetLib, err = c.store.GetLibrary(ctx, *opts.LibraryID)
		if err == sql.ErrNoRows {
			targetLib = nil
		} else if err != nil {
			return nil, err
		}
	}

	local := &store.Download{
		ID:       remoteID,
		URL:      FederationURL(peer.URL, remoteID),
		Title:    item.Title,
		Category: item.Category,
		Season:   item.Season,
		Episode:  item.Episode,
		Status:   store.StatusDownloading,
	}
	if retry {
		if err := c.store.MarkDownloading(ctx, remoteID); err != nil {
			return nil, err
		}
		refreshed, err := c.store.GetDownload(ctx, remoteID)
		if err != nil {
			return nil, err
		}
		local = refreshed
	} else if err := c.store.CreateDownload(ctx, local); err != nil {
		return nil, err
	}

	go c.runPull(peer, remoteID, local.ID, targetLib)
	return local, nil
}

// runPull is the background half of a single pull.
func (c *Client) runPull(peer *store.Peer, remoteID, localID string, lib *store.Library) {
	ctx := context.Background()
	if err := c.transfer(ctx, peer, remoteID, localID, "pull"); err != nil {
		c.logger.WithError(err).WithFields(logging.Fields{
			"peer":     peer.Name,
			"download": localID,
		}).Error("Pull transfer failed")
		c.markTransferFailed(localID, err)
		c.countTransfer("pull", "failed")
		return
	}
	c.countTransfer("pull", "completed")

	if lib != nil {
		c.autoMove(ctx, localID, lib)
	}
}
