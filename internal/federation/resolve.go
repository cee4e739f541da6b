package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

// ResolveResult is the outcome of a gossip resolve attempt.
type ResolveResult struct {
	Resolved bool        `json:"resolved"`
	Via      string      `json:"via,omitempty"`
	Peer     *store.Peer `json:"peer,omitempty"`
}

// ResolvePeer asks every other known peer, in stable creation order, whether
// it has a current address for the target instance. The first answer wins and
// is written back to the target's row.
func (c *Client) ResolvePeer(ctx context.Context, target *store.Peer) (*ResolveResult, error) {
	if target.InstanceID == nil || *target.InstanceID == "" {
		return nil, fmt.Errorf("peer %s has no instance id yet", target.Name)
	}

	peers, err := c.store.ListPeers(ctx)
	if err != nil {
		return nil, err
	}

	for _, other := range peers {
		if other.ID == target.ID {
			continue
		}

		resolved, err := c.queryResolve(ctx, &other, *target.InstanceID)
		if err != nil {
			c.logger.WithError(err).WithFields(logging.Fields{
				"via":    other.Name,
				"target": target.Name,
			}).Debug("Gossip resolve attempt failed")
			continue
		}
		if resolved == nil || resolved.URL == "" {
			continue
		}

		if err := c.store.UpdatePeerURL(ctx, target.ID, resolved.URL); err != nil {
			return nil, err
		}
		updated, err := c.store.GetPeer(ctx, target.ID)
		if err != nil {
			return nil, err
		}

		c.logger.WithFields(logging.Fields{
			"target": target.Name,
			"via":    other.Name,
			"url":    updated.URL,
		}).Info("Resolved peer address through gossip")
		return &ResolveResult{Resolved: true, Via: other.Name, Peer: updated}, nil
	}

	return &ResolveResult{Resolved: false}, nil
}

func (c *Client) queryResolve(ctx context.Context, via *store.Peer, instanceID string) (*ResolveResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/federation/resolve/%s", via.URL, instanceID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+via.APIKey)

	resp, err := c.control.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("resolve via %s: status %d", via.Name, resp.StatusCode)
	}

	var out ResolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
