package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/store"
)

// Networking reports the NAT traversal state and current external address.
func Networking(c *gin.Context) {
	c.JSON(http.StatusOK, natManager.Status())
}

type externalURLRequest struct {
	URL string `json:"url"`
}

// SetExternalURL persists a manual external address override. An empty URL
// clears the override and reverts to UPnP.
func SetExternalURL(c *gin.Context) {
	var req externalURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	url := store.NormalizePeerURL(req.URL)
	if url == "" {
		if err := db.DeleteSetting(c.Request.Context(), store.SettingExternalURL); err != nil {
			internalError(c, err, "Failed to clear external URL")
			return
		}
	} else {
		if err := db.SetSetting(c.Request.Context(), store.SettingExternalURL, url); err != nil {
			internalError(c, err, "Failed to persist external URL")
			return
		}
	}
	natManager.SetManualURL(url)

	// Peers should learn the new address right away rather than waiting for
	// the next lease renewal.
	if url != "" {
		go fedClient.AnnounceAll(instanceID, url)
	}
	c.JSON(http.StatusOK, natManager.Status())
}

type retryUPnPRequest struct {
	Port int `json:"port"`
}

// RetryUPnP re-runs the mapping algorithm, optionally on a different port,
// and returns the outcome.
func RetryUPnP(c *gin.Context) {
	var req retryUPnPRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port"})
		return
	}
	port := req.Port
	if port == 0 {
		port = natManager.Status().Port
	}

	status := natManager.Retry(port)
	if status.Active {
		go fedClient.AnnounceAll(instanceID, natManager.ExternalURL())
	}
	c.JSON(http.StatusOK, status)
}
