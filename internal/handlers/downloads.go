package handlers

import (
	"database/sql"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

type createDownloadRequest struct {
	URL      string `json:"url" binding:"required"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Season   *int   `json:"season"`
	Episode  *int   `json:"episode"`
}

// hostAllowed matches the URL's host against the allowlist by suffix, so
// www.youtube.com passes a youtube.com entry.
func hostAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, allowed := range allowedHost {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// CreateDownload enqueues a new download job.
func CreateDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	if !hostAllowed(req.URL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url host is not allowed"})
		return
	}
	if req.Category != "" && !store.ValidCategory(req.Category) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category"})
		return
	}

	d := &store.Download{
		URL:      req.URL,
		Title:    req.Title,
		Category: req.Category,
		Season:   req.Season,
		Episode:  req.Episode,
	}
	if err := db.CreateDownload(c.Request.Context(), d); err != nil {
		internalError(c, err, "Failed to create download")
		return
	}
	jobQueue.Wake()

	logger.WithFields(logging.Fields{"download": d.ID, "url": d.URL}).Info("Download queued")
	c.JSON(http.StatusCreated, d)
}

// ListDownloads returns every download row, newest first.
func ListDownloads(c *gin.Context) {
	downloads, err := db.ListDownloads(c.Request.Context())
	if err != nil {
		internalError(c, err, "Failed to list downloads")
		return
	}
	c.JSON(http.StatusOK, downloads)
}

// GetDownload returns one download row.
func GetDownload(c *gin.Context) {
	d, err := db.GetDownload(c.Request.Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	}
	if err != nil {
		internalError(c, err, "Failed to fetch download")
		return
	}
	c.JSON(http.StatusOK, d)
}

type updateDownloadRequest struct {
	Title    *string `json:"title"`
	Category *string `json:"category"`
	Season   *int    `json:"season"`
	Episode  *int    `json:"episode"`
}

// UpdateDownload patches user-editable metadata.
func UpdateDownload(c *gin.Context) {
	id := c.Param("id")
	if _, err := db.GetDownload(c.Request.Context(), id); err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	} else if err != nil {
		internalError(c, err, "Failed to fetch download")
		return
	}

	var req updateDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Category != nil && !store.ValidCategory(*req.Category) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category"})
		return
	}

	if err := db.UpdateDownloadMeta(c.Request.Context(), id, req.Title, req.Category, req.Season, req.Episode); err != nil {
		internalError(c, err, "Failed to update download")
		return
	}

	d, err := db.GetDownload(c.Request.Context(), id)
	if err != nil {
		internalError(c, err, "Failed to fetch download")
		return
	}
	c.JSON(http.StatusOK, d)
}

// DeleteDownload removes the row and its staging directory. Files already
// moved into a library stay where they are.
func DeleteDownload(c *gin.Context) {
	id := c.Param("id")
	d, err := db.GetDownload(c.Request.Context(), id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	}
	if err != nil {
		internalError(c, err, "Failed to fetch download")
		return
	}

	if err := db.DeleteDownload(c.Request.Context(), id); err != nil {
		internalError(c, err, "Failed to delete download")
		return
	}

	if !d.MovedToLibrary && d.FilePath != nil {
		if err := os.RemoveAll(filepath.Dir(*d.FilePath)); err != nil {
			logger.WithError(err).WithField("download", id).Warn("Failed to remove staging files")
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// CancelDownload stops a queued or running download.
func CancelDownload(c *gin.Context) {
	id := c.Param("id")
	err := jobQueue.Cancel(c.Request.Context(), id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

type moveRequest struct {
	LibraryID string `json:"libraryId" binding:"required"`
}

// MoveDownload relocates a completed file into a library.
func MoveDownload(c *gin.Context) {
	id := c.Param("id")
	d, err := db.GetDownload(c.Request.Context(), id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	}
	if err != nil {
		internalError(c, err, "Failed to fetch download")
		return
	}

	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "libraryId is required"})
		return
	}
	if d.Status != store.StatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "download is not completed"})
		return
	}
	if d.MovedToLibrary {
		c.JSON(http.StatusBadRequest, gin.H{"error": "download is already in a library"})
		return
	}

	lib, err := db.GetLibrary(c.Request.Context(), req.LibraryID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "library not found"})
		return
	}
	if err != nil {
		internalError(c, err, "Failed to fetch library")
		return
	}

	newPath, err := mediaOrg.Move(d, lib)
	if err != nil {
		internalError(c, err, "Failed to move download")
		return
	}
	if err := db.SetDownloadLibraryState(c.Request.Context(), id, true, &lib.ID, newPath); err != nil {
		internalError(c, err, "Failed to record move")
		return
	}

	if plexClient != nil && lib.PlexSectionID != nil {
		plexClient.RefreshSection(*lib.PlexSectionID)
	}

	d, _ = db.GetDownload(c.Request.Context(), id)
	c.JSON(http.StatusOK, d)
}

// UnmoveDownload returns a moved file to the staging area.
func UnmoveDownload(c *gin.Context) {
	id := c.Param("id")
	d, err := db.GetDownload(c.Request.Context(), id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	}
	if err != nil {
		internalError(c, err, "Failed to fetch download")
		return
	}
	if !d.MovedToLibrary {
		c.JSON(http.StatusBadRequest, gin.H{"error": "download is not in a library"})
		return
	}

	newPath, err := mediaOrg.Unmove(d)
	if err != nil {
		internalError(c, err, "Failed to unmove download")
		return
	}
	if err := db.SetDownloadLibraryState(c.Request.Context(), id, false, nil, newPath); err != nil {
		internalError(c, err, "Failed to record unmove")
		return
	}

	d, _ = db.GetDownload(c.Request.Context(), id)
	c.JSON(http.StatusOK, d)
}

// StreamDownload serves the completed file with range support so browsers
// and media players can seek.
func StreamDownload(c *gin.Context) {
	d, err := db.GetDownload(c.Request.Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	}
	if err != nil {
		internalError(c, err, "Failed to fetch download")
		return
	}
	if d.Status != store.StatusCompleted || d.FilePath == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not available"})
		return
	}
	if _, err := os.Stat(*d.FilePath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file missing"})
		return
	}

	http.ServeFile(c.Writer, c.Request, *d.FilePath)
}
