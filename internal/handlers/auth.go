package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/auth"
)

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login checks the operator password and issues a fresh session token. The
// token rotates on every successful login, invalidating older sessions.
func Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}

	hash, err := db.GetSetting(c.Request.Context(), store.SettingPasswordHash)
	if err != nil {
		internalError(c, err, "Password lookup failed")
		return
	}

	// First login with no password set adopts the presented one.
	if hash == "" {
		newHash, err := auth.HashPassword(req.Password)
		if err != nil {
			internalError(c, err, "Password hash failed")
			return
		}
		if err := db.SetSetting(c.Request.Context(), store.SettingPasswordHash, newHash); err != nil {
			internalError(c, err, "Failed to store password")
			return
		}
	} else if !auth.CheckPassword(req.Password, hash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		internalError(c, err, "Token generation failed")
		return
	}
	token := hex.EncodeToString(buf)
	if err := db.SetSetting(c.Request.Context(), store.SettingSessionToken, token); err != nil {
		internalError(c, err, "Failed to store session token")
		return
	}

	c.SetCookie("session", token, 0, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Logout drops the current session token.
func Logout(c *gin.Context) {
	if err := db.DeleteSetting(c.Request.Context(), store.SettingSessionToken); err != nil {
		internalError(c, err, "Failed to clear session")
		return
	}
	c.SetCookie("session", "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"loggedOut": true})
}

// AuthStatus reports whether a password is set and whether the caller holds
// a valid session. Open endpoint; the UI uses it to pick a screen.
func AuthStatus(c *gin.Context) {
	hash, err := db.GetSetting(c.Request.Context(), store.SettingPasswordHash)
	if err != nil {
		internalError(c, err, "Password lookup failed")
		return
	}

	presented := c.GetHeader("X-Session-Token")
	if presented == "" {
		if cookie, err := c.Cookie("session"); err == nil {
			presented = cookie
		}
	}
	current, err := db.GetSetting(c.Request.Context(), store.SettingSessionToken)
	if err != nil {
		internalError(c, err, "Session lookup failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"passwordSet":   hash != "",
		"authenticated": presented != "" && presented == current,
	})
}
