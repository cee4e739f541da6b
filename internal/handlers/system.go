package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/update"
	"github.com/billpoulson/animedb/pkg/version"
)

// SystemInfo reports build and identity details.
func SystemInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"instanceId":   instanceID,
		"instanceName": appName,
		"version":      version.GetInfo(),
	})
}

// UpdateCheck compares the running build against the latest release.
func UpdateCheck(c *gin.Context) {
	check, err := updater.CheckForUpdate(c.Request.Context())
	if err != nil {
		logger.WithError(err).Warn("Update check failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not check for updates"})
		return
	}
	c.JSON(http.StatusOK, check)
}

// ApplyUpdate kicks off a self-update. The response returns before the
// process restarts; a second request while one runs gets a conflict.
func ApplyUpdate(c *gin.Context) {
	if updateCmd == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no update command configured"})
		return
	}

	err := updater.Apply(updateCmd)
	if errors.Is(err, update.ErrUpdateInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "updateInProgress"})
		return
	}
	if err != nil {
		internalError(c, err, "Failed to start update")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updating": true})
}
