package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/billpoulson/animedb/internal/federation"
	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

// Interval bounds for the peer-sync loop, in minutes.
const (
	MinIntervalMinutes     = 5
	MaxIntervalMinutes     = 1440
	DefaultIntervalMinutes = 15
)

// PeerSync periodically replicates from every peer flagged for auto
// replication. One loop for the whole node; replicate calls run in order.
type PeerSync struct {
	store    *store.Store
	client   *federation.Client
	logger   logging.Logger
	interval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// Config holds peer-sync dependencies.
type Config struct {
	Store  *store.Store
	Client *federation.Client
	Logger logging.Logger
	// IntervalMinutes is clamped to [5, 1440]; zero means the default of 15.
	IntervalMinutes int
}

// New creates a peer-sync scheduler; call Start to begin ticking.
func New(cfg Config) *PeerSync {
	minutes := cfg.IntervalMinutes
	if minutes == 0 {
		minutes = DefaultIntervalMinutes
	}
	if minutes < MinIntervalMinutes {
		minutes = MinIntervalMinutes
	}
	if minutes > MaxIntervalMinutes {
		minutes = MaxIntervalMinutes
	}

	return &PeerSync{
		store:    cfg.Store,
		client:   cfg.Client,
		logger:   cfg.Logger,
		interval: time.Duration(minutes) * time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// Interval returns the effective tick interval after clamping.
func (p *PeerSync) Interval() time.Duration {
	return p.interval
}

// Start launches the sync loop with an immediate first pass. Second call is a
// no-op.
func (p *PeerSync) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.WithField("interval", p.interval.String()).Info("Peer sync scheduler started")
	p.wg.Add(1)
	go p.run()
}

// Stop halts the loop. An in-flight pass finishes first.
func (p *PeerSync) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.wg.Wait()
}

func (p *PeerSync) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.syncAll()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.syncAll()
		}
	}
}

// syncAll replicates from each auto-replicate peer; one peer's failure does
// not block the rest.
func (p *PeerSync) syncAll() {
	ctx := context.Background()

	peers, err := p.store.ListAutoReplicatePeers(ctx)
	if err != nil {
		p.logger.WithError(err).Error("Peer sync: failed to list peers")
		return
	}

	for i := range peers {
		peer := &peers[i]
		summary, err := p.client.Replicate(ctx, peer, peer.SyncLibraryID)
		if err != nil {
			p.logger.WithError(err).WithField("peer", peer.Name).Warn("Peer sync failed")
			continue
		}
		if summary.Queued > 0 {
			p.logger.WithFields(logging.Fields{
				"peer":   peer.Name,
				"queued": summary.Queued,
				"total":  summary.Total,
			}).Info("Peer sync queued new items")
		}
	}
}
