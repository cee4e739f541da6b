package plex

import (
	"fmt"
	"net/http"
	"time"

	"github.com/billpoulson/animedb/pkg/logging"
)

// Notifier pokes a Plex media server to rescan a library section after new
// files land. It is best-effort: failures are logged, never surfaced.
type Notifier struct {
	url    string
	token  string
	client *http.Client
	logger logging.Logger
}

// NotifierConfig holds Plex connection settings.
type NotifierConfig struct {
	URL    string
	Token  string
	Logger logging.Logger
}

// NewNotifier creates a Plex notifier. URL and token may be empty, in which
// case the notifier reports unconfigured and refresh calls are no-ops.
func NewNotifier(cfg NotifierConfig) *Notifier {
	return &Notifier{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: cfg.Logger,
	}
}

// Configured reports whether both a server URL and a token are set.
func (n *Notifier) Configured() bool {
	return n.url != "" && n.token != ""
}

// URL returns the configured server URL (may be empty).
func (n *Notifier) URL() string {
	return n.url
}

// RefreshSection asks Plex to rescan one library section. Fire-and-forget.
func (n *Notifier) RefreshSection(sectionID int) {
	if !n.Configured() {
		return
	}

	refreshURL := fmt.Sprintf("%s/library/sections/%d/refresh?X-Plex-Token=%s",
		n.url, sectionID, n.token)
	resp, err := n.client.Get(refreshURL)
	if err != nil {
		n.logger.WithError(err).WithField("section", sectionID).Warn("Plex refresh failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.WithFields(logging.Fields{
			"section": sectionID,
			"status":  resp.StatusCode,
		}).Warn("Plex refresh rejected")
		return
	}
	n.logger.WithField("section", sectionID).Debug("Plex section refresh triggered")
}
