package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/downloader"
	"github.com/billpoulson/animedb/internal/organizer"
	"github.com/billpoulson/animedb/internal/queue"
	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/database"
	"github.com/billpoulson/animedb/pkg/logging"
)

type noopRunner struct{}

func (noopRunner) Download(ctx context.Context, url, jobID string, onProgress downloader.ProgressFunc) (*downloader.Result, error) {
	return &downloader.Result{}, nil
}
func (noopRunner) Cancel(jobID string) bool { return false }

func setupHandlers(t *testing.T) *store.Store {
	t.Helper()

	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	conn, err := database.Connect(cfg, logging.NewLogger())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	s := store.New(conn, logging.NewLogger())

	downloadRoot := t.TempDir()
	Init(Config{
		Store:  s,
		Logger: logging.NewLogger(),
		// Not started: these tests exercise the HTTP surface only.
		Queue: queue.New(queue.Config{Store: s, Runner: noopRunner{}, Logger: logging.NewLogger()}),
		Organizer: organizer.New(organizer.Config{
			DownloadRoot: downloadRoot,
			MediaRoot:    t.TempDir(),
			Logger:       logging.NewLogger(),
		}),
		InstanceName: "Test Node",
		OutputFormat: "mkv",
		AllowedHosts: []string{"youtube.com", "youtu.be"},
	})
	return s
}

func newDownloadRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/downloads", CreateDownload)
	router.GET("/api/downloads", ListDownloads)
	router.GET("/api/downloads/:id", GetDownload)
	router.POST("/api/downloads/:id/move", MoveDownload)
	router.POST("/api/downloads/:id/unmove", UnmoveDownload)
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHostAllowed(t *testing.T) {
	allowedHost = []string{"youtube.com", "youtu.be"}

	cases := map[string]bool{
		"https://youtube.com/watch?v=abc":     true,
		"https://www.youtube.com/watch?v=abc": true,
		"https://youtu.be/abc":                true,
		"https://m.youtube.com/watch?v=abc":   true,
		"https://evilyoutube.com/watch":       false,
		"https://example.com/video":           false,
		"ftp://youtube.com/file":              false,
		"not a url":                           false,
		"":                                    false,
	}
	for in, want := range cases {
		if got := hostAllowed(in); got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
}

func TestCreateDownloadValidation(t *testing.T) {
	setupHandlers(t)
	router := newDownloadRouter(t)

	w := postJSON(t, router, "/api/downloads", map[string]string{"url": "https://example.com/video"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("disallowed host: expected 400, got %d", w.Code)
	}

	w = postJSON(t, router, "/api/downloads", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing url: expected 400, got %d", w.Code)
	}

	w = postJSON(t, router, "/api/downloads", map[string]string{
		"url":      "https://youtube.com/watch?v=abc",
		"category": "podcasts",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad category: expected 400, got %d", w.Code)
	}

	w = postJSON(t, router, "/api/downloads", map[string]string{
		"url":   "https://youtube.com/watch?v=abc",
		"title": "Good One",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("valid request: expected 201, got %d (%s)", w.Code, w.Body.String())
	}

	var d store.Download
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if d.Status != store.StatusQueued {
		t.Fatalf("expected queued row, got %s", d.Status)
	}
}

func TestMoveBusinessRules(t *testing.T) {
	s := setupHandlers(t)
	router := newDownloadRouter(t)
	ctx := context.Background()

	lib := &store.Library{Name: "Anime", Path: "anime", Type: store.CategoryTV}
	if err := s.CreateLibrary(ctx, lib); err != nil {
		t.Fatal(err)
	}

	// Not completed yet.
	pending := &store.Download{URL: "https://youtube.com/watch?v=p", Status: store.StatusDownloading}
	if err := s.CreateDownload(ctx, pending); err != nil {
		t.Fatal(err)
	}
	w := postJSON(t, router, "/api/downloads/"+pending.ID+"/move", map[string]string{"libraryId": lib.ID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("move of incomplete row: expected 400, got %d", w.Code)
	}

	// Unknown download.
	w = postJSON(t, router, "/api/downloads/ghost/move", map[string]string{"libraryId": lib.ID})
	if w.Code != http.StatusNotFound {
		t.Fatalf("move of unknown row: expected 404, got %d", w.Code)
	}

	// Unknown library.
	done := &store.Download{URL: "https://youtube.com/watch?v=d", Status: store.StatusCompleted}
	if err := s.CreateDownload(ctx, done); err != nil {
		t.Fatal(err)
	}
	w = postJSON(t, router, "/api/downloads/"+done.ID+"/move", map[string]string{"libraryId": "ghost"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("move into unknown library: expected 404, got %d", w.Code)
	}

	// Unmove of a row that was never moved.
	w = postJSON(t, router, "/api/downloads/"+done.ID+"/unmove", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unmove of unmoved row: expected 400, got %d", w.Code)
	}
}
