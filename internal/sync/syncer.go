// Package sync orchestrates reconciliation passes between the backend and
// the device's local caches: pulling declared intent, handing actionable
// instances to the deploy engine, and pushing observed progress back.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/deploy"
	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/log"
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/storage"
	"github.com/rs/zerolog"
)

// MetadataStore is the subset of *storage.Cache[ConfigInstanceID,
// ConfigInstance] the syncer and deploy engine need.
type MetadataStore interface {
	deploy.InstanceFinder
	ReadEntryOptional(id models.ConfigInstanceID, touch bool) (*storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance], error)
	Write(id models.ConfigInstanceID, value models.ConfigInstance, isDirty storage.IsDirtyFunc[models.ConfigInstanceID, models.ConfigInstance], overwrite bool) error
	GetDirtyEntries() ([]storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance], error)
}

// ContentStore is the subset of *storage.Cache[ConfigInstanceID,
// json.RawMessage] the syncer and deploy engine need.
type ContentStore interface {
	deploy.ContentReader
	Write(id models.ConfigInstanceID, value json.RawMessage, isDirty storage.IsDirtyFunc[models.ConfigInstanceID, json.RawMessage], overwrite bool) error
}

// TokenProvider is the subset of the token manager's API the syncer needs.
type TokenProvider interface {
	GetToken() models.Token
	RefreshToken(ctx context.Context) error
}

// CooldownSettings parameterizes the backoff applied to the syncer's own
// retry cooldown after a failed pass.
type CooldownSettings struct {
	BaseSecs     uint64
	GrowthFactor uint64
	MaxSecs      uint64
}

// Settings bundles everything a sync pass needs beyond its collaborators.
type Settings struct {
	DeploymentRoot string
	FSM            deploy.Settings
	Cooldown       CooldownSettings
}

// State is the syncer's own bookkeeping, independent of any instance.
type State struct {
	LastAttemptedSyncAt time.Time
	LastSyncedAt        time.Time
	CooldownEndsAt      time.Time
	ErrStreak           uint32
}

type syncCommand struct {
	ctx   context.Context
	reply chan error
}

// Syncer owns one reconciliation pass at a time; concurrent callers of Sync
// are serialized through its command channel, the same actor shape used by
// the caches it drives.
type Syncer struct {
	client    backend.Client
	deviceID  string
	tokens    TokenProvider
	metadata  MetadataStore
	content   ContentStore
	observers []deploy.Observer
	settings  Settings

	commands chan syncCommand
	done     chan struct{}
	stopped  atomic.Bool

	broker *eventBroker

	stateMu sync.Mutex
	state   State

	timerMu       sync.Mutex
	cooldownTimer *time.Timer

	logger zerolog.Logger
}

// NewSyncer constructs a Syncer and starts its actor goroutine.
func NewSyncer(client backend.Client, deviceID string, tokens TokenProvider, metadata MetadataStore, content ContentStore, observers []deploy.Observer, settings Settings) *Syncer {
	s := &Syncer{
		client:    client,
		deviceID:  deviceID,
		tokens:    tokens,
		metadata:  metadata,
		content:   content,
		observers: observers,
		settings:  settings,
		commands:  make(chan syncCommand, 8),
		done:      make(chan struct{}),
		broker:    newEventBroker(),
		logger:    log.WithComponent("sync"),
	}
	go s.run()
	return s
}

func (s *Syncer) run() {
	defer close(s.done)
	for cmd := range s.commands {
		cmd.reply <- s.doSync(cmd.ctx)
	}
}

// Sync enqueues a reconciliation pass and blocks until it completes. If the
// syncer is currently in cooldown the pass still runs and fails fast with
// errs.InCooldown, matching sync()'s own cooldown check.
func (s *Syncer) Sync(ctx context.Context) error {
	if s.stopped.Load() {
		return &errs.SendActorMessage{Err: fmt.Errorf("syncer for device %s is shut down", s.deviceID)}
	}

	reply := make(chan error, 1)
	select {
	case s.commands <- syncCommand{ctx: ctx, reply: reply}:
	case <-s.done:
		return &errs.SendActorMessage{Err: fmt.Errorf("syncer for device %s is shut down", s.deviceID)}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return &errs.ReceiveActorMessage{Err: fmt.Errorf("syncer for device %s shut down before replying", s.deviceID)}
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncIfNotInCooldown skips enqueueing entirely when already in cooldown,
// so callers triggered by polling or MQTT don't pile onto the command
// channel for a pass that will immediately refuse anyway.
func (s *Syncer) SyncIfNotInCooldown(ctx context.Context) error {
	if endsAt := s.GetCooldownEndsAt(); endsAt.After(time.Now()) {
		return &errs.InCooldown{EndsAtUnix: endsAt.Unix()}
	}
	return s.Sync(ctx)
}

// IsInCooldown reports whether the syncer currently refuses new passes.
func (s *Syncer) IsInCooldown(now time.Time) bool {
	return s.GetCooldownEndsAt().After(now)
}

// GetCooldownEndsAt returns the absolute time the current or most recent
// cooldown ends. A time in the past means none is active: the zero time
// before any pass has finished, models.NoCooldown after a success.
func (s *Syncer) GetCooldownEndsAt() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state.CooldownEndsAt
}

// State returns a snapshot of the syncer's bookkeeping.
func (s *Syncer) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Subscribe returns a channel that receives every SyncEvent published from
// this point on.
func (s *Syncer) Subscribe() Subscriber {
	return s.broker.subscribe()
}

// Shutdown stops accepting new sync passes, lets any in-flight pass finish,
// and closes the event broker.
func (s *Syncer) Shutdown() {
	s.logger.Info().Str("device_id", s.deviceID).Msg("shutting down syncer")
	s.stopped.Store(true)
	close(s.commands)
	<-s.done
	s.timerMu.Lock()
	if s.cooldownTimer != nil {
		s.cooldownTimer.Stop()
	}
	s.timerMu.Unlock()
	s.broker.stop()
	s.logger.Info().Str("device_id", s.deviceID).Msg("syncer shutdown complete")
}
