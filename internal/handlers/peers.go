package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/federation"
	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

type createPeerRequest struct {
	Name   string `json:"name" binding:"required"`
	URL    string `json:"url" binding:"required"`
	APIKey string `json:"apiKey" binding:"required"`
}

// peerStatus maps a federation client error to an HTTP status for the
// operator-facing API.
func peerStatus(err error) (int, string) {
	switch {
	case errors.Is(err, federation.ErrInvalidKey):
		return http.StatusBadRequest, "peer rejected the API key"
	case errors.Is(err, federation.ErrNotAnimeDB):
		return http.StatusBadRequest, "remote is not an AnimeDB node"
	default:
		return http.StatusBadGateway, "could not connect to peer"
	}
}

// CreatePeer probes the remote before persisting it, capturing its instance
// identity on success.
func CreatePeer(c *gin.Context) {
	var req createPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, url and apiKey are required"})
		return
	}
	addPeer(c, req.Name, req.URL, req.APIKey)
}

func addPeer(c *gin.Context, name, url, apiKey string) {
	lib, err := fedClient.Probe(c.Request.Context(), url, apiKey)
	if err != nil {
		status, msg := peerStatus(err)
		logger.WithError(err).WithField("url", url).Warn("Peer probe failed")
		c.JSON(status, gin.H{"error": msg})
		return
	}

	peer := &store.Peer{
		Name:       name,
		URL:        url,
		APIKey:     apiKey,
		InstanceID: &lib.InstanceID,
	}
	if err := db.CreatePeer(c.Request.Context(), peer); err != nil {
		internalError(c, err, "Failed to create peer")
		return
	}

	logger.WithFields(logging.Fields{
		"peer":     peer.Name,
		"instance": lib.InstanceID,
	}).Info("Peer added")
	c.JSON(http.StatusCreated, peer)
}

// ListPeers returns all known peers.
func ListPeers(c *gin.Context) {
	peers, err := db.ListPeers(c.Request.Context())
	if err != nil {
		internalError(c, err, "Failed to list peers")
		return
	}
	c.JSON(http.StatusOK, peers)
}

type updatePeerRequest struct {
	AutoReplicate *bool   `json:"autoReplicate"`
	SyncLibraryID *string `json:"syncLibraryId"`
}

// UpdatePeer patches a peer's auto-replication settings.
func UpdatePeer(c *gin.Context) {
	id := c.Param("id")
	if _, err := db.GetPeer(c.Request.Context(), id); err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	} else if err != nil {
		internalError(c, err, "Failed to fetch peer")
		return
	}

	var req updatePeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SyncLibraryID != nil && *req.SyncLibraryID != "" {
		if _, err := db.GetLibrary(c.Request.Context(), *req.SyncLibraryID); err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "library not found"})
			return
		} else if err != nil {
			internalError(c, err, "Failed to fetch library")
			return
		}
	}

	if err := db.UpdatePeerSync(c.Request.Context(), id, req.AutoReplicate, req.SyncLibraryID); err != nil {
		internalError(c, err, "Failed to update peer")
		return
	}

	peer, err := db.GetPeer(c.Request.Context(), id)
	if err != nil {
		internalError(c, err, "Failed to fetch peer")
		return
	}
	c.JSON(http.StatusOK, peer)
}

// DeletePeer removes a peer.
func DeletePeer(c *gin.Context) {
	err := db.DeletePeer(c.Request.Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}
	if err != nil {
		internalError(c, err, "Failed to delete peer")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func loadPeer(c *gin.Context) *store.Peer {
	peer, err := db.GetPeer(c.Request.Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return nil
	}
	if err != nil {
		internalError(c, err, "Failed to fetch peer")
		return nil
	}
	return peer
}

// PeerLibrary proxies the remote library listing.
func PeerLibrary(c *gin.Context) {
	peer := loadPeer(c)
	if peer == nil {
		return
	}

	lib, err := fedClient.BrowseLibrary(c.Request.Context(), peer)
	if err != nil {
		logger.WithError(err).WithField("peer", peer.Name).Warn("Peer library fetch failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not reach peer"})
		return
	}
	c.JSON(http.StatusOK, lib)
}

// PullFromPeer starts a single-item pull; the transfer continues after the
// 202 response. The optional body carries auto-move options.
func PullFromPeer(c *gin.Context) {
	peer := loadPeer(c)
	if peer == nil {
		return
	}

	var opts federation.PullOptions
	if err := c.ShouldBindJSON(&opts); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	local, err := fedClient.PullItem(c.Request.Context(), peer, c.Param("remoteId"), opts)
	switch {
	case errors.Is(err, federation.ErrAlreadyPresent):
		c.JSON(http.StatusConflict, gin.H{"error": "item already present"})
		return
	case errors.Is(err, federation.ErrRemoteMissing):
		c.JSON(http.StatusNotFound, gin.H{"error": "item not found on peer"})
		return
	case err != nil:
		logger.WithError(err).WithField("peer", peer.Name).Warn("Pull failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not reach peer"})
		return
	}

	c.JSON(http.StatusAccepted, local)
}

type replicateRequest struct {
	LibraryID *string `json:"libraryId"`
}

// ReplicateFromPeer bulk-copies a peer's library. The summary returns at
// once; transfers run in the background.
func ReplicateFromPeer(c *gin.Context) {
	peer := loadPeer(c)
	if peer == nil {
		return
	}

	var req replicateRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	summary, err := fedClient.Replicate(c.Request.Context(), peer, req.LibraryID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "library not found"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("peer", peer.Name).Warn("Replicate failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not reach peer"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ResolvePeer asks other peers for a current address of one that went dark.
func ResolvePeer(c *gin.Context) {
	peer := loadPeer(c)
	if peer == nil {
		return
	}
	if peer.InstanceID == nil || *peer.InstanceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peer has no instance id"})
		return
	}

	result, err := fedClient.ResolvePeer(c.Request.Context(), peer)
	if err != nil {
		internalError(c, err, "Resolve failed")
		return
	}
	if !result.Resolved {
		c.JSON(http.StatusNotFound, gin.H{"error": "could not resolve peer address"})
		return
	}
	c.JSON(http.StatusOK, result)
}

type connectRequest struct {
	ConnectionString string `json:"connectionString" binding:"required"`
}

// ConnectPeer adds a peer from a shared connection string.
func ConnectPeer(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connectionString is required"})
		return
	}

	info, err := federation.ParseConnectionString(req.ConnectionString)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addPeer(c, info.Name, info.URL, info.Key)
}

type connectionStringRequest struct {
	Label string `json:"label" binding:"required"`
}

// ConnectionString mints a fresh API key and packages it with our external
// address for sharing with another operator.
func ConnectionString(c *gin.Context) {
	var req connectionStringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label is required"})
		return
	}

	externalURL := natManager.ExternalURL()
	if externalURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no external URL available; configure one or retry UPnP"})
		return
	}

	_, raw, err := db.CreateAPIKey(c.Request.Context(), req.Label)
	if err != nil {
		internalError(c, err, "Failed to create API key")
		return
	}

	cs, err := federation.BuildConnectionString(externalURL, appName, raw)
	if err != nil {
		internalError(c, err, "Failed to build connection string")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"connectionString": cs})
}
