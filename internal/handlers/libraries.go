package handlers

import (
	"database/sql"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/organizer"
	"github.com/billpoulson/animedb/internal/store"
)

type createLibraryRequest struct {
	Name          string `json:"name" binding:"required"`
	Path          string `json:"path" binding:"required"`
	Type          string `json:"type"`
	PlexSectionID *int   `json:"plexSectionId"`
}

// CreateLibrary registers a filesystem destination for organized media. A
// missing type is guessed from the name.
func CreateLibrary(c *gin.Context) {
	var req createLibraryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and path are required"})
		return
	}
	if req.Type == "" {
		req.Type = organizer.DetectLibraryType(req.Name)
	}
	if !store.ValidCategory(req.Type) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid library type"})
		return
	}

	lib := &store.Library{
		Name:          req.Name,
		Path:          req.Path,
		Type:          req.Type,
		PlexSectionID: req.PlexSectionID,
	}
	if err := db.CreateLibrary(c.Request.Context(), lib); err != nil {
		internalError(c, err, "Failed to create library")
		return
	}
	c.JSON(http.StatusCreated, lib)
}

// ListLibraries returns all libraries.
func ListLibraries(c *gin.Context) {
	libs, err := db.ListLibraries(c.Request.Context())
	if err != nil {
		internalError(c, err, "Failed to list libraries")
		return
	}
	c.JSON(http.StatusOK, libs)
}

type updateLibraryRequest struct {
	Name          *string `json:"name"`
	Path          *string `json:"path"`
	Type          *string `json:"type"`
	PlexSectionID *int    `json:"plexSectionId"`
}

// UpdateLibrary patches library fields.
func UpdateLibrary(c *gin.Context) {
	id := c.Param("id")
	if _, err := db.GetLibrary(c.Request.Context(), id); err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "library not found"})
		return
	} else if err != nil {
		internalError(c, err, "Failed to fetch library")
		return
	}

	var req updateLibraryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Type != nil && !store.ValidCategory(*req.Type) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid library type"})
		return
	}

	if err := db.UpdateLibrary(c.Request.Context(), id, req.Name, req.Path, req.Type, req.PlexSectionID); err != nil {
		internalError(c, err, "Failed to update library")
		return
	}

	lib, err := db.GetLibrary(c.Request.Context(), id)
	if err != nil {
		internalError(c, err, "Failed to fetch library")
		return
	}
	c.JSON(http.StatusOK, lib)
}

// DeleteLibrary removes the library row; files on disk are untouched.
func DeleteLibrary(c *gin.Context) {
	err := db.DeleteLibrary(c.Request.Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "library not found"})
		return
	}
	if err != nil {
		internalError(c, err, "Failed to delete library")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type scanResult struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// ScanLibraries lists subdirectories of the media root (or ?path=) that are
// not yet registered as libraries, with a guessed type per directory name.
func ScanLibraries(c *gin.Context) {
	root := c.Query("path")
	if root == "" {
		root = mediaOrg.MediaRoot()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is not readable"})
		return
	}

	libs, err := db.ListLibraries(c.Request.Context())
	if err != nil {
		internalError(c, err, "Failed to list libraries")
		return
	}
	registered := make(map[string]bool, len(libs))
	for i := range libs {
		registered[mediaOrg.LibraryRoot(&libs[i])] = true
	}

	candidates := make([]scanResult, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		full := filepath.Join(root, entry.Name())
		if registered[full] {
			continue
		}
		candidates = append(candidates, scanResult{
			Name: entry.Name(),
			Path: full,
			Type: organizer.DetectLibraryType(entry.Name()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}
