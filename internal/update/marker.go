package update

import (
	"encoding/json"
	"os"
	"time"
)

// markerFile is the on-disk arming record. Its presence at boot means the
// previous process applied an update and has not yet proven itself healthy.
const markerFile = "update-marker.json"

// marker is written after an update is staged and deleted once the new
// build binds its listener successfully.
type marker struct {
	Timestamp   time.Time `json:"timestamp"`
	Attempts    int       `json:"attempts"`
	BackendBak  string    `json:"backendBak"`
	FrontendBak string    `json:"frontendBak,omitempty"`
}

func readMarker(path string) (*marker, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeMarker(path string, m *marker) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
