package auth

import (
	"database/sql"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

// Gate authenticates requests against the store: federation endpoints by
// bearer API key, UI endpoints by the shared session token.
type Gate struct {
	store        *store.Store
	logger       logging.Logger
	authDisabled bool
}

// GateConfig holds dependencies for the gate.
type GateConfig struct {
	Store        *store.Store
	Logger       logging.Logger
	AuthDisabled bool
}

// NewGate creates a new authentication gate.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		store:        cfg.Store,
		logger:       cfg.Logger,
		authDisabled: cfg.AuthDisabled,
	}
}

// RequireAPIKey admits requests presenting a Bearer token whose SHA-256
// matches a stored key hash. Keys have no scope; a valid key unlocks every
// federation endpoint. Deleting a key row revokes it on the next request.
func (g *Gate) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		key, err := g.store.FindAPIKeyByHash(c.Request.Context(), store.HashAPIKey(raw))
		if err == sql.ErrNoRows {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		if err != nil {
			g.logger.WithError(err).Error("API key lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.Set("api_key_id", key.ID)
		c.Next()
	}
}

// RequireSession admits requests carrying the current session token in the
// X-Session-Token header or session cookie. With allowQueryToken set, a
// ?token= query parameter is also accepted (media stream URLs handed to
// external players cannot set headers).
func (g *Gate) RequireSession(allowQueryToken bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.authDisabled {
			c.Next()
			return
		}

		presented := c.GetHeader("X-Session-Token")
		if presented == "" {
			if cookie, err := c.Cookie("session"); err == nil {
				presented = cookie
			}
		}
		if presented == "" && allowQueryToken {
			presented = c.Query("token")
		}
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		current, err := g.store.GetSetting(c.Request.Context(), store.SettingSessionToken)
		if err != nil {
			g.logger.WithError(err).Error("Session token lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if current == "" || presented != current {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		c.Next()
	}
}
