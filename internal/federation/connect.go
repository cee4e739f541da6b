package federation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/billpoulson/animedb/internal/store"
)

// connectPrefix is the optional scheme tag on shared connection strings.
const connectPrefix = "adb-connect:"

// ConnectionInfo is the payload of a peer connection string.
type ConnectionInfo struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

// BuildConnectionString encodes this node's coordinates for sharing with
// another operator.
func BuildConnectionString(url, name, key string) (string, error) {
	raw, err := json.Marshal(ConnectionInfo{
		URL:  store.NormalizePeerURL(url),
		Name: name,
		Key:  key,
	})
	if err != nil {
		return "", err
	}
	return connectPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// ParseConnectionString decodes a shared connection string. The scheme prefix
// is optional; the base64 payload must carry url, name and key.
func ParseConnectionString(s string) (*ConnectionInfo, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, connectPrefix)
	if s == "" {
		return nil, fmt.Errorf("empty connection string")
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string encoding: %w", err)
	}

	var info ConnectionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("invalid connection string payload: %w", err)
	}
	if info.URL == "" || info.Name == "" || info.Key == "" {
		return nil, fmt.Errorf("connection string missing url, name or key")
	}

	info.URL = store.NormalizePeerURL(info.URL)
	return &info, nil
}
