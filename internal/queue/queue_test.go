package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/billpoulson/animedb/internal/downloader"
	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/database"
	"github.com/billpoulson/animedb/pkg/logging"
)

// stubRunner scripts downloader outcomes per invocation.
type stubRunner struct {
	mu      sync.Mutex
	calls   int
	outcome func(call int) (*downloader.Result, error)

	blockCh  chan struct{} // when set, Download blocks until Cancel
	cancelCh chan struct{}
}

func (r *stubRunner) Download(ctx context.Context, url, jobID string, onProgress downloader.ProgressFunc) (*downloader.Result, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	block := r.blockCh
	r.mu.Unlock()

	if block != nil {
		<-block
		return nil, downloader.ErrCancelled
	}
	if onProgress != nil {
		onProgress(downloader.Progress{Percent: 50})
	}
	return r.outcome(call)
}

func (r *stubRunner) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blockCh != nil {
		close(r.blockCh)
		r.blockCh = nil
		return true
	}
	return false
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

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

func waitForStatus(t *testing.T, s *store.Store, id, want string) *store.Download {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		d, err := s.GetDownload(context.Background(), id)
		if err != nil {
			t.Fatalf("get download: %v", err)
		}
		if d.Status == want {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("download %s stuck in %s, wanted %s", id, d.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueueCompletesJob(t *testing.T) {
	s := newTestStore(t)
	runner := &stubRunner{outcome: func(int) (*downloader.Result, error) {
		return &downloader.Result{FilePath: "/tmp/out.mkv", Title: "Parsed Title"}, nil
	}}
	q := New(Config{Store: s, Runner: runner, Logger: logging.NewLogger()})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	d := &store.Download{URL: "https://youtube.com/watch?v=ok"}
	if err := s.CreateDownload(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}
	q.Wake()

	got := waitForStatus(t, s, d.ID, store.StatusCompleted)
	if got.Title != "Parsed Title" {
		t.Fatalf("expected tool title adopted, got %q", got.Title)
	}
	if runner.callCount() != 1 {
		t.Fatalf("expected 1 invocation, got %d", runner.callCount())
	}
}

func TestQueueRetriesThenFails(t *testing.T) {
	s := newTestStore(t)
	runner := &stubRunner{outcome: func(int) (*downloader.Result, error) {
		return nil, errors.New("network error")
	}}
	q := New(Config{Store: s, Runner: runner, Logger: logging.NewLogger()})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	d := &store.Download{URL: "https://youtube.com/watch?v=bad"}
	if err := s.CreateDownload(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}
	q.Wake()

	got := waitForStatus(t, s, d.ID, store.StatusFailed)
	if runner.callCount() != MaxRetries {
		t.Fatalf("expected exactly %d invocations, got %d", MaxRetries, runner.callCount())
	}
	if got.Error == nil || *got.Error != "network error" {
		t.Fatal("expected the tool error recorded on the row")
	}
}

func TestQueueRetrySucceedsSecondTime(t *testing.T) {
	s := newTestStore(t)
	runner := &stubRunner{outcome: func(call int) (*downloader.Result, error) {
		if call == 1 {
			return nil, errors.New("transient")
		}
		return &downloader.Result{FilePath: "/tmp/out.mkv"}, nil
	}}
	q := New(Config{Store: s, Runner: runner, Logger: logging.NewLogger()})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	d := &store.Download{URL: "https://youtube.com/watch?v=flaky"}
	if err := s.CreateDownload(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}
	q.Wake()

	waitForStatus(t, s, d.ID, store.StatusCompleted)
	if runner.callCount() != 2 {
		t.Fatalf("expected 2 invocations, got %d", runner.callCount())
	}
}

func TestCancelQueuedJob(t *testing.T) {
	s := newTestStore(t)
	runner := &stubRunner{outcome: func(int) (*downloader.Result, error) {
		return nil, errors.New("should not run")
	}}
	// Not started: the row stays queued until the cancel flips it.
	q := New(Config{Store: s, Runner: runner, Logger: logging.NewLogger()})

	d := &store.Download{URL: "https://youtube.com/watch?v=later"}
	if err := s.CreateDownload(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := q.Cancel(context.Background(), d.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := s.GetDownload(context.Background(), d.ID)
	if got.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if runner.callCount() != 0 {
		t.Fatal("queued cancel must not invoke the runner")
	}
}

func TestCancelRunningJob(t *testing.T) {
	s := newTestStore(t)
	runner := &stubRunner{blockCh: make(chan struct{})}
	q := New(Config{Store: s, Runner: runner, Logger: logging.NewLogger()})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	d := &store.Download{URL: "https://youtube.com/watch?v=long"}
	if err := s.CreateDownload(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}
	q.Wake()
	waitForStatus(t, s, d.ID, store.StatusDownloading)

	if err := q.Cancel(context.Background(), d.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got := waitForStatus(t, s, d.ID, store.StatusCancelled)
	if got.Error == nil || *got.Error != "Cancelled by user" {
		t.Fatal("expected the cancellation message recorded")
	}
}

func TestCancelTerminalJobRejected(t *testing.T) {
	s := newTestStore(t)
	q := New(Config{Store: s, Runner: &stubRunner{}, Logger: logging.NewLogger()})

	d := &store.Download{URL: "https://youtube.com/watch?v=done", Status: store.StatusCompleted}
	if err := s.CreateDownload(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := q.Cancel(context.Background(), d.ID); err == nil {
		t.Fatal("expected an error cancelling a completed download")
	}
}

func TestQueueIgnoresFederationTransfers(t *testing.T) {
	s := newTestStore(t)
	runner := &stubRunner{outcome: func(int) (*downloader.Result, error) {
		return &downloader.Result{FilePath: "/tmp/out.mkv"}, nil
	}}
	q := New(Config{Store: s, Runner: runner, Logger: logging.NewLogger()})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	// Transfer rows are driven by the federation loops; the worker must
	// never hand their sentinel URLs to the external tool.
	transfer := &store.Download{URL: "federation://peer.example:8085/item-1"}
	if err := s.CreateDownload(context.Background(), transfer); err != nil {
		t.Fatalf("create: %v", err)
	}
	origin := &store.Download{URL: "https://youtube.com/watch?v=ok"}
	if err := s.CreateDownload(context.Background(), origin); err != nil {
		t.Fatalf("create: %v", err)
	}
	q.Wake()

	waitForStatus(t, s, origin.ID, store.StatusCompleted)
	if runner.callCount() != 1 {
		t.Fatalf("expected only the origin handed to the tool, got %d invocations", runner.callCount())
	}
	got, _ := s.GetDownload(context.Background(), transfer.ID)
	if got.Status != store.StatusQueued {
		t.Fatalf("transfer row must be untouched, got %s", got.Status)
	}
}

func TestStartFailsInterruptedFederationTransfers(t *testing.T) {
	s := newTestStore(t)
	d := &store.Download{URL: "federation://peer.example:8085/item-1", Status: store.StatusDownloading}
	if err := s.CreateDownload(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}

	runner := &stubRunner{outcome: func(int) (*downloader.Result, error) {
		return nil, errors.New("should not run")
	}}
	q := New(Config{Store: s, Runner: runner, Logger: logging.NewLogger()})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	// An interrupted transfer is failed, not requeued: the next replicate
	// pass re-queues it under a live transfer loop.
	got := waitForStatus(t, s, d.ID, store.StatusFailed)
	if got.Error == nil || *got.Error != "Interrupted by restart" {
		t.Fatal("expected the interruption recorded on the row")
	}
	if runner.callCount() != 0 {
		t.Fatalf("transfer must never reach the tool, got %d invocations", runner.callCount())
	}
}

func TestStartRecoversInterruptedRows(t *testing.T) {
	s := newTestStore(t)
	d := &store.Download{URL: "https://youtube.com/watch?v=crash", Status: store.StatusDownloading}
	if err := s.CreateDownload(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}

	runner := &stubRunner{outcome: func(int) (*downloader.Result, error) {
		return &downloader.Result{FilePath: "/tmp/out.mkv"}, nil
	}}
	q := New(Config{Store: s, Runner: runner, Logger: logging.NewLogger()})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	waitForStatus(t, s, d.ID, store.StatusCompleted)
}
