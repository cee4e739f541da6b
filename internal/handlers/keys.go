package handlers

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
)

type createKeyRequest struct {
	Label string `json:"label" binding:"required"`
}

// CreateAPIKey mints a federation key. The raw key appears in this response
// only; afterwards just the hash exists.
func CreateAPIKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label is required"})
		return
	}

	key, raw, err := db.CreateAPIKey(c.Request.Context(), req.Label)
	if err != nil {
		internalError(c, err, "Failed to create API key")
		return
	}

	logger.WithField("label", key.Label).Info("API key created")
	c.JSON(http.StatusCreated, gin.H{
		"id":        key.ID,
		"label":     key.Label,
		"key":       raw,
		"createdAt": key.CreatedAt,
	})
}

// ListAPIKeys returns key metadata; raw keys are unrecoverable.
func ListAPIKeys(c *gin.Context) {
	keys, err := db.ListAPIKeys(c.Request.Context())
	if err != nil {
		internalError(c, err, "Failed to list API keys")
		return
	}
	c.JSON(http.StatusOK, keys)
}

// DeleteAPIKey revokes a key; peers holding it lose access on their next
// request.
func DeleteAPIKey(c *gin.Context) {
	err := db.DeleteAPIKey(c.Request.Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		return
	}
	if err != nil {
		internalError(c, err, "Failed to delete API key")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
