package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AppConfig is the open configuration surface the UI reads before login.
// Nothing sensitive: the Plex token and API keys never appear here.
func AppConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"instanceName":  appName,
		"outputFormat":  outputFmt,
		"plexConnected": plexClient != nil && plexClient.Configured(),
		"plexUrl":       plexURL(),
	})
}

func plexURL() string {
	if plexClient == nil {
		return ""
	}
	return plexClient.URL()
}
