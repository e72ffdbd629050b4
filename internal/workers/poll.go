// Package workers runs the agent's background loops: a polling sync worker,
// an MQTT-triggered sync worker, a token refresh worker and a cache
// maintenance worker, all with cooperative shutdown-select cancellation.
package workers

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/agent/internal/deploy"
	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/log"
	"github.com/cuemby/agent/internal/sync"
	"github.com/rs/zerolog"
)

// Syncer is the subset of *sync.Syncer the poll worker depends on.
type Syncer interface {
	SyncIfNotInCooldown(ctx context.Context) error
	State() sync.State
}

// PollSettings configures the polling cadence and the extra backoff applied
// on top of it after a failed sync.
type PollSettings struct {
	PollInterval time.Duration
	ErrorBackoff deploy.Settings // reuses the FSM's base/max shape (growth factor fixed at 2) for the extra backoff
}

// PollWorker periodically triggers syncer.SyncIfNotInCooldown, respecting
// any sync that already happened recently (e.g. triggered by MQTT) so it
// never doubles up.
type PollWorker struct {
	syncer   Syncer
	settings PollSettings
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   zerolog.Logger
}

// NewPollWorker constructs a PollWorker. Call Start to begin its loop.
func NewPollWorker(syncer Syncer, settings PollSettings) *PollWorker {
	return &PollWorker{
		syncer:   syncer,
		settings: settings,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("poll-worker"),
	}
}

// Start begins the worker's loop in a new goroutine.
func (w *PollWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (w *PollWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *PollWorker) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		wait := w.nextWait()
		select {
		case <-time.After(wait):
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}

		if err := w.syncer.SyncIfNotInCooldown(ctx); err != nil {
			var inCooldown *errs.InCooldown
			if errors.As(err, &inCooldown) {
				w.logger.Debug().Msg("skipped poll sync, still in cooldown")
				continue
			}
			w.logger.Warn().Err(err).Msg("poll sync failed")
		}
	}
}

// nextWait computes how long to sleep before the next sync attempt: the
// remainder of the poll interval since the last attempted sync (which may
// have been triggered by MQTT), plus extra backoff that grows exponentially
// with the current error streak.
func (w *PollWorker) nextWait() time.Duration {
	state := w.syncer.State()
	elapsed := time.Since(state.LastAttemptedSyncAt)
	remaining := w.settings.PollInterval - elapsed
	if remaining < 0 {
		remaining = 0
	}

	if state.ErrStreak == 0 {
		return remaining
	}
	backoffSecs := deploy.CalcExpBackoff(w.settings.ErrorBackoff.ExpBackoffBaseSecs, 2, state.ErrStreak, w.settings.ErrorBackoff.MaxCooldownSecs)
	return remaining + time.Duration(backoffSecs)*time.Second
}
