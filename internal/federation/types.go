package federation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// URLPrefix marks download rows whose content arrived from a peer instead of
// an origin site. Replicated rows are excluded from the exported library.
const URLPrefix = "federation://"

// FederationURL builds the sentinel URL recorded on a replicated row:
// federation://<peerURL-without-scheme-prefix>/<remoteID>.
func FederationURL(peerURL, remoteID string) string {
	return URLPrefix + strings.TrimRight(strings.TrimPrefix(strings.TrimPrefix(peerURL, "https://"), "http://"), "/") + "/" + remoteID
}

// IsFederationURL reports whether a download row came from a peer.
func IsFederationURL(url string) bool {
	return strings.HasPrefix(url, URLPrefix)
}

// LibraryItem is one entry in an exported library listing. File paths and
// origin URLs never cross the wire.
type LibraryItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Season    *int      `json:"season"`
	Episode   *int      `json:"episode"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// LibraryResponse is the exported library envelope. InstanceName doubles as
// the node-type assertion during probes.
type LibraryResponse struct {
	InstanceID   string        `json:"instanceId"`
	InstanceName string        `json:"instanceName"`
	Items        []LibraryItem `json:"items"`
}

// AnnounceRequest is a peer pushing its new external address.
type AnnounceRequest struct {
	InstanceID string `json:"instanceId"`
	URL        string `json:"url"`
}

// ResolveResponse answers a gossip query for a peer's current address.
type ResolveResponse struct {
	InstanceID string     `json:"instanceId"`
	Name       string     `json:"name"`
	URL        string     `json:"url"`
	LastSeen   *time.Time `json:"lastSeen"`
}

// ReplicateSummary is the synchronous part of a bulk replicate.
type ReplicateSummary struct {
	Total   int `json:"total"`
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
}

// Client error taxonomy. Handlers map these onto HTTP statuses.
var (
	ErrNotAnimeDB     = errors.New("remote is not an AnimeDB node")
	ErrInvalidKey     = errors.New("peer rejected the API key")
	ErrUnreachable    = errors.New("peer is unreachable")
	ErrRemoteMissing  = errors.New("item not found on peer")
	ErrAlreadyPresent = errors.New("item already present locally")
)

// ContentTypeForFile maps a media file extension to its MIME type.
func ContentTypeForFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mkv":
		return "video/x-matroska"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}

// AttachmentDisposition builds the Content-Disposition header for a stream.
func AttachmentDisposition(path string) string {
	return fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(path))
}
