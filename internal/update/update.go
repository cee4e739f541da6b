package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/billpoulson/animedb/pkg/logging"
	"github.com/billpoulson/animedb/pkg/version"
)

// Boot outcomes from CheckRollback.
const (
	BootNormal     = "normal"
	BootFirstBoot  = "first_boot"
	BootRolledBack = "rolled_back"
)

// ErrUpdateInProgress is returned when an update is already being applied.
var ErrUpdateInProgress = errors.New("update already in progress")

// Manager applies self-updates and arbitrates the crash-rollback protocol.
// The protocol: stage new build alongside .bak copies of the old one, write
// an armed marker, exit for the supervisor to restart. The new build disarms
// the marker once it binds its listener; if it dies before that, the next
// boot sees an armed marker and restores the .bak copies.
type Manager struct {
	dataDir     string
	binaryPath  string
	frontendDir string
	repo        string // owner/name on GitHub, for release checks
	logger      logging.Logger

	client *http.Client

	mu         sync.Mutex
	inProgress bool
}

// Config holds update manager settings.
type Config struct {
	// DataDir is where the rollback marker lives.
	DataDir string
	// BinaryPath is the running executable; empty means os.Executable().
	BinaryPath string
	// FrontendDir is the served static bundle directory, if any.
	FrontendDir string
	// Repo is the GitHub owner/name used for release checks.
	Repo   string
	Logger logging.Logger
}

// NewManager creates an update manager.
func NewManager(cfg Config) *Manager {
	bin := cfg.BinaryPath
	if bin == "" {
		if exe, err := os.Executable(); err == nil {
			bin = exe
		}
	}
	return &Manager{
		dataDir:     cfg.DataDir,
		binaryPath:  bin,
		frontendDir: cfg.FrontendDir,
		repo:        cfg.Repo,
		logger:      cfg.Logger,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (m *Manager) markerPath() string {
	return filepath.Join(m.dataDir, markerFile)
}

// CheckRollback inspects the marker before anything else starts. It returns
// one of the Boot* outcomes:
//
//	normal       no marker, regular boot
//	first_boot   marker armed by the updater; this process must disarm it
//	rolled_back  a prior first boot crashed; backups were restored
//
// A corrupt marker is deleted and treated as a normal boot.
func (m *Manager) CheckRollback() string {
	path := m.markerPath()
	mk, err := readMarker(path)
	if os.IsNotExist(err) {
		return BootNormal
	}
	if err != nil {
		m.logger.WithError(err).Warn("Corrupt update marker; discarding")
		_ = os.Remove(path)
		return BootNormal
	}

	if mk.Attempts == 0 {
		mk.Attempts = 1
		if err := writeMarker(path, mk); err != nil {
			m.logger.WithError(err).Error("Failed to record update boot attempt")
		}
		m.logger.Info("First boot after update; rollback armed until listener binds")
		return BootFirstBoot
	}

	// A previous first boot never disarmed the marker: the update is bad.
	m.logger.WithField("attempts", mk.Attempts).Warn("Update failed to boot; restoring previous version")
	m.restore(mk)
	_ = os.Remove(path)
	return BootRolledBack
}

// restore copies the .bak artifacts back over the updated ones.
func (m *Manager) restore(mk *marker) {
	if mk.BackendBak != "" {
		if err := replaceFile(mk.BackendBak, m.binaryPath); err != nil {
			m.logger.WithError(err).Error("Failed to restore previous binary")
		}
	}
	if mk.FrontendBak != "" && m.frontendDir != "" {
		if err := replaceDir(mk.FrontendBak, m.frontendDir); err != nil {
			m.logger.WithError(err).Error("Failed to restore previous frontend")
		}
	}
}

// CleanupAfterSuccessfulUpdate disarms the rollback: the marker and backups
// are deleted. Wired to the server's listener-bound hook so only a build that
// actually serves traffic survives.
func (m *Manager) CleanupAfterSuccessfulUpdate() {
	path := m.markerPath()
	mk, err := readMarker(path)
	if err != nil {
		return // no marker, nothing armed
	}

	if mk.BackendBak != "" {
		_ = os.Remove(mk.BackendBak)
	}
	if mk.FrontendBak != "" {
		_ = os.RemoveAll(mk.FrontendBak)
	}
	if err := os.Remove(path); err != nil {
		m.logger.WithError(err).Error("Failed to remove update marker")
		return
	}
	m.logger.Info("Update confirmed healthy; rollback disarmed")
}

// UpdateCheck is the answer to an update-check request.
type UpdateCheck struct {
	CurrentVersion  string `json:"currentVersion"`
	LatestVersion   string `json:"latestVersion"`
	UpdateAvailable bool   `json:"updateAvailable"`
}

// CheckForUpdate compares the running build against the latest published
// release.
func (m *Manager) CheckForUpdate(ctx context.Context) (*UpdateCheck, error) {
	if m.repo == "" {
		return nil, fmt.Errorf("update repository not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", m.repo), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("release check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release check: status %d", resp.StatusCode)
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, err
	}

	current := version.Version
	latest := strings.TrimPrefix(release.TagName, "v")
	return &UpdateCheck{
		CurrentVersion:  current,
		LatestVersion:   latest,
		UpdateAvailable: latest != "" && latest != strings.TrimPrefix(current, "v"),
	}, nil
}

// InProgress reports whether an update is currently being applied.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress
}

// Apply starts a self-update in the background. It returns immediately once
// the update is accepted; ErrUpdateInProgress if one is already running. The
// process exits on success so the supervisor restarts into the new build.
func (m *Manager) Apply(updateCmd string) error {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		return ErrUpdateInProgress
	}
	m.inProgress = true
	m.mu.Unlock()

	go func() {
		if err := m.apply(updateCmd); err != nil {
			m.logger.WithError(err).Error("Update failed")
			m.mu.Lock()
			m.inProgress = false
			m.mu.Unlock()
		}
	}()
	return nil
}

// apply stages backups, runs the update command, arms the marker and exits.
func (m *Manager) apply(updateCmd string) error {
	mk := &marker{Timestamp: time.Now().UTC()}

	if m.binaryPath != "" {
		bak := m.binaryPath + ".bak"
		if err := copyFile(m.binaryPath, bak); err != nil {
			return fmt.Errorf("back up binary: %w", err)
		}
		mk.BackendBak = bak
	}
	if m.frontendDir != "" {
		bak := strings.TrimRight(m.frontendDir, string(os.PathSeparator)) + ".bak"
		if err := copyDir(m.frontendDir, bak); err != nil {
			return fmt.Errorf("back up frontend: %w", err)
		}
		mk.FrontendBak = bak
	}

	m.logger.WithField("command", updateCmd).Info("Running update command")
	cmd := exec.Command("/bin/sh", "-c", updateCmd)
	cmd.Dir = filepath.Dir(m.binaryPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		// Failed before anything replaced the running build; drop backups.
		_ = os.Remove(mk.BackendBak)
		if mk.FrontendBak != "" {
			_ = os.RemoveAll(mk.FrontendBak)
		}
		return fmt.Errorf("update command: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if err := writeMarker(m.markerPath(), mk); err != nil {
		return fmt.Errorf("arm rollback marker: %w", err)
	}

	m.logger.Info("Update staged; restarting")
	os.Exit(0)
	return nil
}

func copyFile(src, dst string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, raw, info.Mode())
}

func replaceFile(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target)
	})
}

func replaceDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := copyDir(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}
