package federation

import (
	"database/sql"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

// Server exposes this node's library to authenticated peers: listing,
// file streaming, announce intake and gossip resolve.
type Server struct {
	store        *store.Store
	logger       logging.Logger
	instanceID   string
	instanceName string
}

// ServerConfig holds dependencies for the federation server.
type ServerConfig struct {
	Store        *store.Store
	Logger       logging.Logger
	InstanceID   string
	InstanceName string
}

// NewServer creates a federation server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		store:        cfg.Store,
		logger:       cfg.Logger,
		instanceID:   cfg.InstanceID,
		instanceName: cfg.InstanceName,
	}
}

// Register mounts the federation endpoints on a router group that already
// carries API-key authentication.
func (s *Server) Register(r gin.IRoutes) {
	r.GET("/federation/library", s.handleLibrary)
	r.GET("/federation/download/:id/stream", s.handleStream)
	r.POST("/federation/announce", s.handleAnnounce)
	r.GET("/federation/resolve/:instanceId", s.handleResolve)
}

// handleLibrary lists completed originals. Replicated items are excluded so
// content cannot bounce between nodes indefinitely.
func (s *Server) handleLibrary(c *gin.Context) {
	downloads, err := s.store.ListCompletedOriginals(c.Request.Context())
	if err != nil {
		s.logger.WithError(err).Error("Federation library query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	items := make([]LibraryItem, 0, len(downloads))
	for _, d := range downloads {
		items = append(items, LibraryItem{
			ID:        d.ID,
			Title:     d.Title,
			Category:  d.Category,
			Season:    d.Season,
			Episode:   d.Episode,
			Status:    d.Status,
			CreatedAt: d.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, LibraryResponse{
		InstanceID:   s.instanceID,
		InstanceName: s.instanceName,
		Items:        items,
	})
}

// handleStream sends the completed file as a full-body attachment. No range
// support here; the pull client consumes whole streams.
func (s *Server) handleStream(c *gin.Context) {
	d, err := s.store.GetDownload(c.Request.Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Federation stream lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if d.Status != store.StatusCompleted || d.FilePath == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not available"})
		return
	}

	info, err := os.Stat(*d.FilePath)
	if err != nil {
		s.logger.WithError(err).WithField("download", d.ID).Error("Completed file missing on disk")
		c.JSON(http.StatusNotFound, gin.H{"error": "file missing"})
		return
	}

	file, err := os.Open(*d.FilePath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	defer file.Close()

	c.DataFromReader(http.StatusOK, info.Size(), ContentTypeForFile(*d.FilePath), file,
		map[string]string{"Content-Disposition": AttachmentDisposition(*d.FilePath)})
}

// handleAnnounce self-heals a peer's address. Unknown instances are a
// successful no-op; a node may announce to peers that have not added it.
func (s *Server) handleAnnounce(c *gin.Context) {
	var req AnnounceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.InstanceID == "" || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instanceId and url are required"})
		return
	}

	peer, err := s.store.FindPeerByInstanceID(c.Request.Context(), req.InstanceID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusOK, gin.H{"updated": false})
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Announce lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if err := s.store.UpdatePeerURL(c.Request.Context(), peer.ID, req.URL); err != nil {
		s.logger.WithError(err).Error("Announce update failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	s.logger.WithFields(logging.Fields{
		"peer":     peer.Name,
		"instance": req.InstanceID,
		"url":      store.NormalizePeerURL(req.URL),
	}).Info("Peer announced new address")
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// handleResolve answers gossip queries: do we know a current address for
// this instance?
func (s *Server) handleResolve(c *gin.Context) {
	instanceID := c.Param("instanceId")
	peer, err := s.store.FindPeerByInstanceID(c.Request.Context(), instanceID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instance"})
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Resolve lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, ResolveResponse{
		InstanceID: instanceID,
		Name:       peer.Name,
		URL:        peer.URL,
		LastSeen:   peer.LastSeen,
	})
}
