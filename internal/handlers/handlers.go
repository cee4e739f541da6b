package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/federation"
	"github.com/billpoulson/animedb/internal/organizer"
	"github.com/billpoulson/animedb/internal/plex"
	"github.com/billpoulson/animedb/internal/queue"
	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/internal/update"
	"github.com/billpoulson/animedb/internal/upnp"
	"github.com/billpoulson/animedb/pkg/logging"
)

var (
	db          *store.Store
	logger      logging.Logger
	jobQueue    *queue.Queue
	mediaOrg    *organizer.Organizer
	fedClient   *federation.Client
	natManager  *upnp.Manager
	updater     *update.Manager
	plexClient  *plex.Notifier
	instanceID  string
	appName     string
	outputFmt   string
	updateCmd   string
	allowedHost []string
)

// Config wires handler dependencies.
type Config struct {
	Store        *store.Store
	Logger       logging.Logger
	Queue        *queue.Queue
	Organizer    *organizer.Organizer
	Federation   *federation.Client
	NAT          *upnp.Manager
	Updater      *update.Manager
	Plex         *plex.Notifier
	InstanceID   string
	InstanceName string
	OutputFormat string
	UpdateCmd    string
	// AllowedHosts restricts which sites downloads may target.
	AllowedHosts []string
}

// Init sets up handler state. Call once before mounting routes.
func Init(cfg Config) {
	db = cfg.Store
	logger = cfg.Logger
	jobQueue = cfg.Queue
	mediaOrg = cfg.Organizer
	fedClient = cfg.Federation
	natManager = cfg.NAT
	updater = cfg.Updater
	plexClient = cfg.Plex
	instanceID = cfg.InstanceID
	appName = cfg.InstanceName
	outputFmt = cfg.OutputFormat
	updateCmd = cfg.UpdateCmd
	allowedHost = cfg.AllowedHosts
}

// internalError logs err and answers 500 with an opaque body.
func internalError(c *gin.Context, err error, msg string) {
	logger.WithError(err).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
