package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/database"
	"github.com/billpoulson/animedb/pkg/logging"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	conn, err := database.Connect(cfg, logging.NewLogger())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return store.New(conn, logging.NewLogger())
}

func newTestServer(t *testing.T, s *store.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	srv := NewServer(ServerConfig{
		Store:        s,
		Logger:       logging.NewLogger(),
		InstanceID:   "local-instance-id",
		InstanceName: "Local Node",
	})
	srv.Register(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLibraryExportsOnlyCompletedOriginals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := "/secret/location/file.mkv"
	rows := []*store.Download{
		{URL: "https://youtube.com/watch?v=1", Title: "exported", Status: store.StatusCompleted, FilePath: &path},
		{URL: "federation://peer.example/abc", Title: "replica", Status: store.StatusCompleted},
		{URL: "https://youtube.com/watch?v=2", Title: "pending", Status: store.StatusQueued},
		{URL: "https://youtube.com/watch?v=3", Title: "broken", Status: store.StatusFailed},
	}
	for _, d := range rows {
		if err := s.CreateDownload(ctx, d); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	w := doJSON(t, newTestServer(t, s), http.MethodGet, "/federation/library", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var lib LibraryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &lib); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if lib.InstanceID != "local-instance-id" || lib.InstanceName != "Local Node" {
		t.Fatal("missing instance identity in export")
	}
	if len(lib.Items) != 1 || lib.Items[0].Title != "exported" {
		t.Fatalf("unexpected export %+v", lib.Items)
	}

	// Local paths and origin URLs must never cross the wire.
	raw := w.Body.String()
	for _, leak := range []string{"secret/location", "file_path", "youtube.com"} {
		if bytes.Contains([]byte(raw), []byte(leak)) {
			t.Fatalf("library response leaks %q: %s", leak, raw)
		}
	}
}

func TestStreamServesCompletedFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	file := filepath.Join(dir, "Epic Episode.mkv")
	if err := os.WriteFile(file, []byte("epic-anime-content-here"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := &store.Download{ID: "dl-1", URL: "https://youtube.com/watch?v=1", Status: store.StatusCompleted, FilePath: &file}
	if err := s.CreateDownload(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}

	w := doJSON(t, newTestServer(t, s), http.MethodGet, "/federation/download/dl-1/stream", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "epic-anime-content-here" {
		t.Fatalf("unexpected body %q", w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "video/x-matroska" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="Epic Episode.mkv"` {
		t.Fatalf("unexpected disposition %q", got)
	}
}

func TestStreamNotFoundCases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Incomplete row.
	if err := s.CreateDownload(ctx, &store.Download{ID: "dl-q", URL: "https://youtube.com/q", Status: store.StatusQueued}); err != nil {
		t.Fatal(err)
	}
	// Completed row whose file vanished.
	gone := filepath.Join(t.TempDir(), "gone.mkv")
	if err := s.CreateDownload(ctx, &store.Download{ID: "dl-g", URL: "https://youtube.com/g", Status: store.StatusCompleted, FilePath: &gone}); err != nil {
		t.Fatal(err)
	}

	router := newTestServer(t, s)
	for _, id := range []string{"unknown", "dl-q", "dl-g"} {
		w := doJSON(t, router, http.MethodGet, "/federation/download/"+id+"/stream", nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("stream of %s: expected 404, got %d", id, w.Code)
		}
	}
}

func TestAnnounceUpdatesKnownPeer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	remoteID := "remote-instance-id"
	peer := &store.Peer{Name: "remote", URL: "http://old.example:8085", APIKey: "k", InstanceID: &remoteID}
	if err := s.CreatePeer(ctx, peer); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, newTestServer(t, s), http.MethodPost, "/federation/announce",
		AnnounceRequest{InstanceID: remoteID, URL: "http://new.example:9000/"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]bool
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp["updated"] {
		t.Fatal("expected updated=true for a known peer")
	}

	got, _ := s.GetPeer(ctx, peer.ID)
	if got.URL != "http://new.example:9000" {
		t.Fatalf("expected normalized new url, got %q", got.URL)
	}
	if got.LastSeen == nil {
		t.Fatal("announce should refresh last_seen")
	}
}

func TestAnnounceUnknownPeerIsNoOp(t *testing.T) {
	s := newTestStore(t)

	w := doJSON(t, newTestServer(t, s), http.MethodPost, "/federation/announce",
		AnnounceRequest{InstanceID: "stranger", URL: "http://x.example"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]bool
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["updated"] {
		t.Fatal("unknown instance must not report updated")
	}
}

func TestAnnounceValidation(t *testing.T) {
	s := newTestStore(t)
	w := doJSON(t, newTestServer(t, s), http.MethodPost, "/federation/announce",
		AnnounceRequest{InstanceID: "", URL: ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestResolveEndpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	remoteID := "resolvable-instance"
	peer := &store.Peer{Name: "remote", URL: "http://known.example:8085", APIKey: "k", InstanceID: &remoteID}
	if err := s.CreatePeer(ctx, peer); err != nil {
		t.Fatal(err)
	}

	router := newTestServer(t, s)

	w := doJSON(t, router, http.MethodGet, "/federation/resolve/"+remoteID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp ResolveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.URL != "http://known.example:8085" || resp.InstanceID != remoteID {
		t.Fatalf("unexpected resolve answer %+v", resp)
	}

	w = doJSON(t, router, http.MethodGet, "/federation/resolve/unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown instance, got %d", w.Code)
	}
}
