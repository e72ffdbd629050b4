package workers

import (
	"context"
	"time"

	"github.com/cuemby/agent/internal/log"
	"github.com/rs/zerolog"
)

// Pruner is the subset of *storage.Cache[K, V] the cache maintenance worker
// needs, independent of the cache's key/value types.
type Pruner interface {
	Prune(maxSize int) error
}

// prunableCache pairs a cache with the max_size it should be kept under.
type prunableCache struct {
	name    string
	cache   Pruner
	maxSize int
}

// CacheMaintenanceSettings configures how often caches are swept for
// pruning (storage.cache_maintenance_interval from the agent's
// configuration).
type CacheMaintenanceSettings struct {
	Interval time.Duration
}

// CacheMaintenanceWorker periodically prunes each registered cache down to
// its configured max_size, oldest-by-last_accessed first.
type CacheMaintenanceWorker struct {
	caches   []prunableCache
	settings CacheMaintenanceSettings
	onPrune  func(name string, err error)
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   zerolog.Logger
}

// NewCacheMaintenanceWorker constructs a CacheMaintenanceWorker that will
// prune each cache added with Register to its maxSize on every tick.
func NewCacheMaintenanceWorker(settings CacheMaintenanceSettings) *CacheMaintenanceWorker {
	return &CacheMaintenanceWorker{
		settings: settings,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("cache-maintenance-worker"),
	}
}

// Register adds a cache to the sweep. Call before Start.
func (w *CacheMaintenanceWorker) Register(name string, cache Pruner, maxSize int) {
	w.caches = append(w.caches, prunableCache{name: name, cache: cache, maxSize: maxSize})
}

// SetObserver installs a callback invoked after every prune attempt, nil
// err on success. Call before Start; nil disables observation.
func (w *CacheMaintenanceWorker) SetObserver(onPrune func(name string, err error)) {
	w.onPrune = onPrune
}

// Start begins the worker's loop in a new goroutine.
func (w *CacheMaintenanceWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (w *CacheMaintenanceWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *CacheMaintenanceWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	interval := w.settings.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.pruneAll()
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *CacheMaintenanceWorker) pruneAll() {
	for _, c := range w.caches {
		if c.maxSize <= 0 {
			continue
		}
		err := c.cache.Prune(c.maxSize)
		if err != nil {
			w.logger.Error().Err(err).Str("cache", c.name).Msg("cache prune failed")
		}
		if w.onPrune != nil {
			w.onPrune(c.name, err)
		}
	}
}
