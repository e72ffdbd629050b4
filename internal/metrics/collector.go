package metrics

import (
	"context"
	"time"

	"github.com/cuemby/agent/internal/models"
	syncpkg "github.com/cuemby/agent/internal/sync"
)

// Sizer is the subset of *storage.Cache[K, V] the collector needs,
// independent of the cache's key/value types.
type Sizer interface {
	Size() (int, error)
}

// SyncObservable is the subset of *sync.Syncer the collector needs.
type SyncObservable interface {
	State() syncpkg.State
	Subscribe() syncpkg.Subscriber
}

// TokenProvider is the subset of *auth.TokenManager the collector needs.
type TokenProvider interface {
	GetToken() models.Token
}

// MQTTConnectedReporter is the subset of *workers.MQTTWorker the collector
// needs. Optional: the collector tolerates a nil reporter when MQTT isn't
// configured.
type MQTTConnectedReporter interface {
	Connected() bool
}

type sizedCache struct {
	name  string
	cache Sizer
}

// Collector periodically samples cache sizes and token expiry, and
// continuously drains sync events, updating the package's Prometheus
// metrics as it goes.
type Collector struct {
	caches []sizedCache
	syncer SyncObservable
	tokens TokenProvider
	mqtt   MQTTConnectedReporter

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector constructs a Collector. Register caches with RegisterCache
// before calling Start.
func NewCollector(syncer SyncObservable, tokens TokenProvider, mqtt MQTTConnectedReporter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		syncer:   syncer,
		tokens:   tokens,
		mqtt:     mqtt,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// RegisterCache adds a cache to be sampled for its current size. Call
// before Start.
func (c *Collector) RegisterCache(name string, cache Sizer) {
	c.caches = append(c.caches, sizedCache{name: name, cache: cache})
}

// PruneObserver returns a callback suitable for
// workers.CacheMaintenanceWorker.SetObserver, recording prune outcomes
// against CachePruneTotal.
func (c *Collector) PruneObserver() func(name string, err error) {
	return func(name string, err error) {
		outcome := "success"
		if err != nil {
			outcome = "failed"
		}
		CachePruneTotal.WithLabelValues(name, outcome).Inc()
	}
}

// Start begins sampling on a ticker and draining sync events, both in a new
// goroutine, until Stop is called or ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop signals the collector to exit and waits for it to do so.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.doneCh)

	var events syncpkg.Subscriber
	if c.syncer != nil {
		events = c.syncer.Subscribe()
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ticker.C:
			c.sample()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.observeSyncEvent(event)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) sample() {
	for _, sc := range c.caches {
		size, err := sc.cache.Size()
		if err != nil {
			continue
		}
		CacheEntries.WithLabelValues(sc.name).Set(float64(size))
	}

	if c.syncer != nil {
		state := c.syncer.State()
		SyncErrStreak.Set(float64(state.ErrStreak))
		if state.CooldownEndsAt.After(time.Now()) {
			SyncCooldownActive.Set(1)
		} else {
			SyncCooldownActive.Set(0)
		}
		if !state.LastSyncedAt.IsZero() {
			SyncSecondsSinceSuccess.Set(time.Since(state.LastSyncedAt).Seconds())
		}
	}

	if c.tokens != nil {
		token := c.tokens.GetToken()
		TokenSecondsUntilExpiry.Set(time.Until(token.ExpiresAt).Seconds())
	}

	if c.mqtt != nil {
		if c.mqtt.Connected() {
			MQTTConnected.Set(1)
		} else {
			MQTTConnected.Set(0)
		}
	}
}

func (c *Collector) observeSyncEvent(event syncpkg.SyncEvent) {
	switch event.Kind {
	case syncpkg.EventSyncSuccess:
		SyncPassesTotal.WithLabelValues("success").Inc()
	case syncpkg.EventSyncFailed:
		SyncPassesTotal.WithLabelValues("failed").Inc()
	}
}
