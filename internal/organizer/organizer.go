package organizer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

var (
	forbiddenChars = regexp.MustCompile(`[:<>"|?*]`)
	whitespaceRuns = regexp.MustCompile(`\s+`)

	movieNameRe = regexp.MustCompile(`(?i)movie|film`)
	tvNameRe    = regexp.MustCompile(`(?i)series|tv|show|anime|season`)
)

// Sanitize strips filesystem-hostile characters and collapses whitespace.
func Sanitize(name string) string {
	name = forbiddenChars.ReplaceAllString(name, "")
	name = whitespaceRuns.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// DetectLibraryType guesses a library's media type from its name.
func DetectLibraryType(name string) string {
	switch {
	case movieNameRe.MatchString(name):
		return store.CategoryMovies
	case tvNameRe.MatchString(name):
		return store.CategoryTV
	default:
		return store.CategoryOther
	}
}

// categoryDir maps a download category to its folder under the library root.
func categoryDir(category string) string {
	switch category {
	case store.CategoryMovies:
		return "Movies"
	case store.CategoryTV:
		return "Series"
	default:
		return "Other"
	}
}

// Organizer moves completed files between the download staging area and
// user libraries, re-laying them out per category.
type Organizer struct {
	downloadRoot string
	mediaRoot    string
	logger       logging.Logger
}

// Config holds organizer settings.
type Config struct {
	DownloadRoot string
	MediaRoot    string
	Logger       logging.Logger
}

// New creates an organizer.
func New(cfg Config) *Organizer {
	return &Organizer{
		downloadRoot: cfg.DownloadRoot,
		mediaRoot:    cfg.MediaRoot,
		logger:       cfg.Logger,
	}
}

// MediaRoot returns the root under which relative library paths live.
func (o *Organizer) MediaRoot() string {
	return o.mediaRoot
}

// LibraryRoot resolves a library path: absolute paths are kept, relative
// ones are anchored at the media root.
func (o *Organizer) LibraryRoot(lib *store.Library) string {
	if filepath.IsAbs(lib.Path) {
		return lib.Path
	}
	return filepath.Join(o.mediaRoot, lib.Path)
}

// Move relocates a completed download's file into the library, returning the
// destination path. Layout:
//
//	<libraryPath>/<Movies|Series|Other>/<title>[/Season NN]/<filename>.<ext>
//
// TV items default to S01E01 when season/episode are absent.
func (o *Organizer) Move(d *store.Download, lib *store.Library) (string, error) {
	if d.FilePath == nil || *d.FilePath == "" {
		return "", fmt.Errorf("download %s has no file", d.ID)
	}
	src := *d.FilePath
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("source file: %w", err)
	}

	ext := filepath.Ext(src)
	title := Sanitize(d.Title)
	if title == "" {
		title = d.ID
	}

	dir := filepath.Join(o.LibraryRoot(lib), categoryDir(d.Category), title)
	var filename string
	switch d.Category {
	case store.CategoryTV:
		season, episode := 1, 1
		if d.Season != nil {
			season = *d.Season
		}
		if d.Episode != nil {
			episode = *d.Episode
		}
		dir = filepath.Join(dir, fmt.Sprintf("Season %02d", season))
		filename = fmt.Sprintf("%s - S%02dE%02d%s", title, season, episode, ext)
	case store.CategoryMovies:
		filename = title + ext
	default:
		filename = Sanitize(filepath.Base(src))
	}

	dst := filepath.Join(dir, filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create library directory: %w", err)
	}
	if err := moveFile(src, dst); err != nil {
		return "", err
	}

	// The emptied staging directory is best-effort cleanup.
	_ = os.Remove(filepath.Dir(src))

	o.logger.WithFields(logging.Fields{
		"download": d.ID,
		"library":  lib.ID,
		"path":     dst,
	}).Info("Moved download into library")
	return dst, nil
}

// Unmove returns a moved file to the staging layout
// <downloadRoot>/<id>/<id><ext> and reports the restored path.
func (o *Organizer) Unmove(d *store.Download) (string, error) {
	if d.FilePath == nil || *d.FilePath == "" {
		return "", fmt.Errorf("download %s has no file", d.ID)
	}
	src := *d.FilePath

	dir := filepath.Join(o.downloadRoot, d.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	dst := filepath.Join(dir, d.ID+filepath.Ext(src))
	if err := moveFile(src, dst); err != nil {
		return "", err
	}

	// Prune now-empty title/season folders left behind in the library.
	_ = os.Remove(filepath.Dir(src))
	_ = os.Remove(filepath.Dir(filepath.Dir(src)))

	o.logger.WithFields(logging.Fields{
		"download": d.ID,
		"path":     dst,
	}).Info("Returned download to staging")
	return dst, nil
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("flush destination: %w", err)
	}
	return os.Remove(src)
}
