package federation

import (
	"context"
	"time"

	"github.com/billpoulson/animedb/pkg/logging"
)

// AnnounceAll tells every known peer our current external address. Failures
// are logged and swallowed; an unreachable peer learns the address through
// gossip later.
func (c *Client) AnnounceAll(instanceID, externalURL string) {
	if externalURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	peers, err := c.store.ListPeers(ctx)
	if err != nil {
		c.logger.WithError(err).Error("Announce: failed to list peers")
		return
	}
	if len(peers) == 0 {
		return
	}

	ok := 0
	for i := range peers {
		if err := c.announce(ctx, &peers[i], instanceID, externalURL); err != nil {
			c.logger.WithError(err).WithField("peer", peers[i].Name).Debug("Announce failed")
			continue
		}
		ok++
	}

	c.logger.WithFields(logging.Fields{
		"url":      externalURL,
		"reached":  ok,
		"of_peers": len(peers),
	}).Info("Announced external address to peers")
}
