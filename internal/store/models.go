package store

import "time"

// Download statuses. A row is created queued, moves to downloading, and ends
// in one of the terminal states. The queue may demote downloading back to
// queued on retry.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusProcessing  = "processing"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// Media categories, shared by downloads and libraries.
const (
	CategoryMovies = "movies"
	CategoryTV     = "tv"
	CategoryOther  = "other"
)

// ValidCategory reports whether c is a known media category.
func ValidCategory(c string) bool {
	return c == CategoryMovies || c == CategoryTV || c == CategoryOther
}

// Download is a local record of one media item.
type Download struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Category       string    `json:"category"`
	Season         *int      `json:"season"`
	Episode        *int      `json:"episode"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	FilePath       *string   `json:"file_path"`
	Error          *string   `json:"error"`
	MovedToLibrary bool      `json:"moved_to_library"`
	LibraryID      *string   `json:"library_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Library is a filesystem destination plus metadata.
type Library struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	Type          string    `json:"type"`
	PlexSectionID *int      `json:"plex_section_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// APIKey is a credential an external peer uses to call our federation
// endpoints. Only the SHA-256 of the raw key is stored.
type APIKey struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Peer is a remote node we trust. APIKey is the raw key we present when
// calling them.
type Peer struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	APIKey        string     `json:"api_key"`
	InstanceID    *string    `json:"instance_id"`
	AutoReplicate bool       `json:"auto_replicate"`
	SyncLibraryID *string    `json:"sync_library_id"`
	LastSeen      *time.Time `json:"last_seen"`
	CreatedAt     time.Time  `json:"created_at"`
}
