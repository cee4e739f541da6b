package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/billpoulson/animedb/internal/downloader"
	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

// MaxRetries is the number of downloader invocations a job gets before it is
// marked failed.
const MaxRetries = 2

// Runner is the downloader surface the queue drives. The concrete
// implementation spawns the external tool; tests stub it.
type Runner interface {
	Download(ctx context.Context, url, jobID string, onProgress downloader.ProgressFunc) (*downloader.Result, error)
	Cancel(jobID string) bool
}

// Queue is the single-worker FIFO job runner over the downloads table. At
// most one job runs at a time; new enqueues kick the loop via Wake.
type Queue struct {
	store  *store.Store
	runner Runner
	logger logging.Logger
	jobs   *prometheus.CounterVec // outcome counter, may be nil

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	currentID string
	attempts  map[string]int
	started   bool
}

// Config holds queue dependencies.
type Config struct {
	Store      *store.Store
	Runner     Runner
	Logger     logging.Logger
	JobCounter *prometheus.CounterVec
}

// New creates a queue; call Start to begin processing.
func New(cfg Config) *Queue {
	return &Queue{
		store:    cfg.Store,
		runner:   cfg.Runner,
		logger:   cfg.Logger,
		jobs:     cfg.JobCounter,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		attempts: make(map[string]int),
	}
}

// Start recovers jobs interrupted by a previous process and launches the
// worker loop. Second call is a no-op.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	recovered, err := q.store.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("queue startup recovery: %w", err)
	}
	if recovered > 0 {
		q.logger.WithField("count", recovered).Info("Requeued interrupted downloads")
	}

	q.wg.Add(1)
	go q.run()
	q.Wake()
	return nil
}

// Wake kicks the loop; idempotent and non-blocking.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop halts the loop after the in-flight job (if any) finishes or is
// cancelled by the process exiting.
func (q *Queue) Stop() {
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()

	// The ticker is a safety net for wakes lost while a job was running.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		q.drain()
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// drain processes queued jobs one at a time until the table is empty.
func (q *Queue) drain() {
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		ctx := context.Background()
		next, err := q.store.NextQueued(ctx)
		if err != nil {
			q.logger.WithError(err).Error("Failed to fetch next queued download")
			return
		}
		if next == nil {
			return
		}
		q.process(ctx, next)
	}
}

func (q *Queue) process(ctx context.Context, d *store.Download) {
	q.mu.Lock()
	q.currentID = d.ID
	q.attempts[d.ID]++
	attempt := q.attempts[d.ID]
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.currentID = ""
		q.mu.Unlock()
	}()

	log := q.logger.WithFields(logging.Fields{"download": d.ID, "attempt": attempt})

	if err := q.store.MarkDownloading(ctx, d.ID); err != nil {
		log.WithError(err).Error("Failed to mark download active")
		return
	}
	log.Info("Starting download")

	result, err := q.runner.Download(ctx, d.URL, d.ID, func(p downloader.Progress) {
		if err := q.store.SetDownloadProgress(context.Background(), d.ID, p.Percent); err != nil {
			q.logger.WithError(err).Debug("Progress write failed")
		}
	})

	switch {
	case err == nil:
		if err := q.store.CompleteDownload(ctx, d.ID, result.FilePath, result.Title); err != nil {
			log.WithError(err).Error("Failed to finalize download")
			return
		}
		q.forget(d.ID)
		q.count("completed")
		log.WithField("path", result.FilePath).Info("Download completed")

	case errors.Is(err, downloader.ErrCancelled):
		msg := "Cancelled by user"
		if err := q.store.SetDownloadStatus(ctx, d.ID, store.StatusCancelled, &msg); err != nil {
			log.WithError(err).Error("Failed to record cancellation")
		}
		q.forget(d.ID)
		q.count("cancelled")
		log.Info("Download cancelled")

	case attempt < MaxRetries:
		if dbErr := q.store.SetDownloadStatus(ctx, d.ID, store.StatusQueued, nil); dbErr != nil {
			log.WithError(dbErr).Error("Failed to requeue download")
			return
		}
		q.count("retried")
		log.WithError(err).Warn("Download failed; requeued for retry")

	default:
		msg := err.Error()
		if dbErr := q.store.SetDownloadStatus(ctx, d.ID, store.StatusFailed, &msg); dbErr != nil {
			log.WithError(dbErr).Error("Failed to record failure")
		}
		q.forget(d.ID)
		q.count("failed")
		log.WithError(err).Error("Download failed permanently")
	}
}

func (q *Queue) forget(id string) {
	q.mu.Lock()
	delete(q.attempts, id)
	q.mu.Unlock()
}

func (q *Queue) count(outcome string) {
	if q.jobs != nil {
		q.jobs.WithLabelValues(outcome).Inc()
	}
}

// Cancel stops a download. An in-flight job gets its process tree killed and
// resolves as cancelled through the worker loop; a queued job is flipped
// directly. Terminal rows are rejected.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	d, err := q.store.GetDownload(ctx, id)
	if err == sql.ErrNoRows {
		return err
	}
	if err != nil {
		return err
	}

	switch d.Status {
	case store.StatusDownloading, store.StatusProcessing:
		if q.runner.Cancel(id) {
			return nil
		}
		// Not actually running here (stale row); flip it directly.
		fallthrough
	case store.StatusQueued:
		msg := "Cancelled by user"
		q.forget(id)
		return q.store.SetDownloadStatus(ctx, id, store.StatusCancelled, &msg)
	default:
		return fmt.Errorf("download is %s", d.Status)
	}
}
