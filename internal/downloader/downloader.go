package downloader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/billpoulson/animedb/pkg/logging"
)

// ErrCancelled is the sentinel returned when a job was killed by a
// cooperative cancel rather than failing on its own.
var ErrCancelled = errors.New("CANCELLED")

// Progress is one parsed progress line from the tool's stdout.
type Progress struct {
	Percent int
	Speed   string
	ETA     string
}

// Result is the outcome of a finished job.
type Result struct {
	FilePath string
	Title    string
}

// ProgressFunc receives progress updates as the tool reports them.
type ProgressFunc func(Progress)

var (
	progressRe = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%(?:.*?at\s+(\S+)/s)?(?:.*?ETA\s+(\S+))?`)
	mergerRe   = regexp.MustCompile(`\[Merger\] Merging formats into "(.+)"`)
	alreadyRe  = regexp.MustCompile(`\[download\]\s+(.+) has already been downloaded`)
)

// Downloader spawns one external tool process per job and supervises it.
// Active processes are tracked so a cancel can kill the whole process tree.
type Downloader struct {
	toolPath     string
	downloadRoot string
	outputFormat string
	logger       logging.Logger

	mu        sync.Mutex
	active    map[string]*exec.Cmd
	cancelled map[string]bool
}

// Config holds downloader settings.
type Config struct {
	ToolPath     string // yt-dlp binary, default "yt-dlp"
	DownloadRoot string
	OutputFormat string // preferred container extension, default "mkv"
	Logger       logging.Logger
}

// New creates a downloader.
func New(cfg Config) *Downloader {
	toolPath := cfg.ToolPath
	if toolPath == "" {
		toolPath = "yt-dlp"
	}
	outputFormat := cfg.OutputFormat
	if outputFormat == "" {
		outputFormat = "mkv"
	}
	return &Downloader{
		toolPath:     toolPath,
		downloadRoot: cfg.DownloadRoot,
		outputFormat: outputFormat,
		logger:       cfg.Logger,
		active:       make(map[string]*exec.Cmd),
		cancelled:    make(map[string]bool),
	}
}

// Download runs the tool for url into <downloadRoot>/<jobID>/ and blocks
// until the job finishes. Progress lines on stdout are forwarded to
// onProgress. On success it returns the merged output path and the title
// from the metadata sidecar.
func (d *Downloader) Download(ctx context.Context, url, jobID string, onProgress ProgressFunc) (*Result, error) {
	jobDir := filepath.Join(d.downloadRoot, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create job directory: %w", err)
	}

	outputTemplate := filepath.Join(jobDir, jobID+".%(ext)s")
	cmd := exec.CommandContext(ctx, d.toolPath,
		"--newline",
		"--no-playlist",
		"--write-info-json",
		"--merge-output-format", d.outputFormat,
		"-o", outputTemplate,
		url,
	)
	// Own process group so a cancel kills the tool and every child
	// (ffmpeg merge steps run as grandchildren).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", d.toolPath, err)
	}

	d.mu.Lock()
	d.active[jobID] = cmd
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, jobID)
		d.mu.Unlock()
	}()

	var mergedPath string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if m := progressRe.FindStringSubmatch(line); m != nil {
			pct, _ := strconv.ParseFloat(m[1], 64)
			p := Progress{Percent: int(pct + 0.5), Speed: m[2], ETA: m[3]}
			if onProgress != nil {
				onProgress(p)
			}
			continue
		}
		if m := mergerRe.FindStringSubmatch(line); m != nil {
			mergedPath = m[1]
			continue
		}
		if m := alreadyRe.FindStringSubmatch(line); m != nil {
			mergedPath = strings.TrimSpace(m[1])
		}
	}

	err = cmd.Wait()

	d.mu.Lock()
	wasCancelled := d.cancelled[jobID]
	delete(d.cancelled, jobID)
	d.mu.Unlock()

	if wasCancelled {
		return nil, ErrCancelled
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s failed: %s", d.toolPath, msg)
	}

	filePath := mergedPath
	if filePath == "" {
		filePath, err = newestOutput(jobDir, d.outputFormat)
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		FilePath: filePath,
		Title:    readSidecarTitle(jobDir),
	}, nil
}

// Cancel kills the process tree of an active job. Safe to call for unknown
// or already-finished jobs.
func (d *Downloader) Cancel(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd, ok := d.active[jobID]
	if !ok || cmd.Process == nil {
		return false
	}
	// Mark before the kill so Wait observing the death sees the cancel,
	// not a tool failure.
	d.cancelled[jobID] = true

	// Negative pid signals the whole process group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
	return true
}

// newestOutput is the fallback when no merger line was seen: the most
// recently modified file of the configured extension in the job directory.
func newestOutput(jobDir, ext string) (string, error) {
	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return "", fmt.Errorf("read job directory: %w", err)
	}

	var newest string
	var newestMod int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "."+ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = filepath.Join(jobDir, entry.Name())
			newestMod = mod
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no .%s output found in %s", ext, jobDir)
	}
	return newest, nil
}

// readSidecarTitle pulls the title out of any *.info.json metadata sidecar.
func readSidecarTitle(jobDir string) string {
	matches, _ := filepath.Glob(filepath.Join(jobDir, "*.info.json"))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if meta.Title != "" {
			return meta.Title
		}
	}
	return ""
}
