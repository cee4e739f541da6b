package federation

import (
	"context"
	"database/sql"

	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

// Replicate queues every item in the peer's library that is not already
// present locally and returns the summary synchronously. Queued rows are
// then transferred sequentially by a background loop dedicated to this
// invocation; multiple replicates against different peers may run at once.
//
// Idempotence is per federation URL: a second replicate with no remote
// change queues nothing.
func (c *Client) Replicate(ctx context.Context, peer *store.Peer, libraryID *string) (*ReplicateSummary, error) {
	var targetLib *store.Library
	if libraryID != nil && *libraryID != "" {
		lib, err := c.store.GetLibrary(ctx, *libraryID)
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		if err != nil {
			return nil, err
		}
		targetLib = lib
	}

	remote, err := c.BrowseLibrary(ctx, peer)
	if err != nil {
		return nil, err
	}

	summary := &ReplicateSummary{Total: len(remote.Items)}
	queued := make([]string, 0, len(remote.Items))

	for _, item := range remote.Items {
		fedURL := FederationURL(peer.URL, item.ID)

		existing, err := c.store.GetDownloadByURL(ctx, fedURL)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		if existing != nil {
			switch existing.Status {
			case store.StatusQueued, store.StatusDownloading, store.StatusCompleted:
				summary.Skipped++
				continue
			default:
				// failed or cancelled: retry by re-queueing the same row
				if err := c.store.SetDownloadStatus(ctx, existing.ID, store.StatusQueued, nil); err != nil {
					return nil, err
				}
				queued = append(queued, existing.ID)
				summary.Queued++
				continue
			}
		}

		local := &store.Download{
			URL:      fedURL,
			Title:    item.Title,
			Category: item.Category,
			Season:   item.Season,
			Episode:  item.Episode,
			Status:   store.StatusQueued,
		}
		if err := c.store.CreateDownload(ctx, local); err != nil {
			return nil, err
		}
		queued = append(queued, local.ID)
		summary.Queued++
	}

	if len(queued) > 0 {
		// Remote ids are recoverable from the federation URL suffix, but
		// carrying the pairs avoids re-parsing.
		items := make(map[string]string, len(queued))
		for _, item := range remote.Items {
			items[FederationURL(peer.URL, item.ID)] = item.ID
		}
		go c.runReplicate(peer, queued, items, targetLib)
	}

	c.logger.WithFields(logging.Fields{
		"peer":    peer.Name,
		"total":   summary.Total,
		"queued":  summary.Queued,
		"skipped": summary.Skipped,
	}).Info("Replicate scheduled")
	return summary, nil
}

// runReplicate transfers queued rows one at a time. A failed item is
// recorded on its row and does not stop the rest of the batch.
func (c *Client) runReplicate(peer *store.Peer, localIDs []string, remoteByURL map[string]string, lib *store.Library) {
	ctx := context.Background()

	for _, localID := range localIDs {
		d, err := c.store.GetDownload(ctx, localID)
		if err != nil {
			c.logger.WithError(err).WithField("download", localID).Warn("Replicate row vanished")
			continue
		}
		// Another workflow may have claimed or cancelled the row meanwhile.
		if d.Status != store.StatusQueued {
			continue
		}

		remoteID, ok := remoteByURL[d.URL]
		if !ok {
			continue
		}

		if err := c.store.MarkDownloading(ctx, localID); err != nil {
			c.logger.WithError(err).WithField("download", localID).Error("Replicate claim failed")
			continue
		}

		if err := c.transfer(ctx, peer, remoteID, localID, "replicate"); err != nil {
			c.logger.WithError(err).WithFields(logging.Fields{
				"peer":     peer.Name,
				"download": localID,
			}).Error("Replicate transfer failed")
			c.markTransferFailed(localID, err)
			c.countTransfer("replicate", "failed")
			continue
		}
		c.countTransfer("replicate", "completed")

		if lib != nil {
			c.autoMove(ctx, localID, lib)
		}
	}

	c.logger.WithField("peer", peer.Name).Info("Replicate batch finished")
}
