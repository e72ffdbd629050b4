package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/agent/internal/deploy"
	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/models"
)

// doSync runs one full reconciliation pass. It always runs on the syncer's
// single actor goroutine, so its own cooldown/state reads and writes need no
// additional locking against another pass, only against readers like
// IsInCooldown called from other goroutines.
func (s *Syncer) doSync(ctx context.Context) error {
	now := time.Now()
	if s.IsInCooldown(now) {
		return &errs.InCooldown{EndsAtUnix: s.GetCooldownEndsAt().Unix()}
	}

	s.stateMu.Lock()
	s.state.LastAttemptedSyncAt = now
	s.stateMu.Unlock()

	var errsList []error

	token := s.tokens.GetToken()
	if token.IsExpired(now) {
		if err := s.tokens.RefreshToken(ctx); err != nil {
			errsList = append(errsList, fmt.Errorf("refresh token: %w", err))
		}
	}

	errsList = append(errsList, Pull(ctx, s.client, s.deviceID, s.metadata, s.content, now)...)

	toApply, err := s.collectActionable(now)
	if err != nil {
		errsList = append(errsList, fmt.Errorf("collect actionable config instances: %w", err))
	} else if len(toApply) > 0 {
		s.logger.Debug().Int("count", len(toApply)).Msg("applying actionable config instances")
		deploy.Apply(toApply, s.metadata, s.content, s.settings.DeploymentRoot, s.settings.FSM, s.observers, now)
	}

	errsList = append(errsList, Push(ctx, s.client, s.metadata)...)

	if len(errsList) > 0 {
		s.recordFailure(now, anyNetworkConnectionError(errsList))
		return &errs.SyncErrors{Errors: errsList}
	}
	s.recordSuccess(now)
	return nil
}

func (s *Syncer) collectActionable(now time.Time) (map[models.ConfigInstanceID]models.ConfigInstance, error) {
	matches, err := s.metadata.FindAll(func(inst models.ConfigInstance) bool {
		return deploy.IsActionRequired(deploy.NextActionFor(&inst, true, now))
	})
	if err != nil {
		return nil, err
	}
	toApply := make(map[models.ConfigInstanceID]models.ConfigInstance, len(matches))
	for _, inst := range matches {
		toApply[inst.ID] = inst
	}
	return toApply, nil
}

func (s *Syncer) recordSuccess(now time.Time) {
	s.stateMu.Lock()
	s.state.LastSyncedAt = now
	s.state.CooldownEndsAt = models.NoCooldown
	s.state.ErrStreak = 0
	s.stateMu.Unlock()

	s.cancelScheduledCooldownEnd()
	s.broker.publish(SyncEvent{Kind: EventSyncSuccess})
	s.logger.Info().Str("device_id", s.deviceID).Msg("sync succeeded")
}

func (s *Syncer) recordFailure(now time.Time, isNetworkConnectionError bool) {
	s.stateMu.Lock()
	if !isNetworkConnectionError {
		s.state.ErrStreak++
	}
	cooldownSecs := deploy.CalcExpBackoff(s.settings.Cooldown.BaseSecs, s.settings.Cooldown.GrowthFactor, s.state.ErrStreak, s.settings.Cooldown.MaxSecs)
	endsAt := now.Add(time.Duration(cooldownSecs) * time.Second)
	s.state.CooldownEndsAt = endsAt
	s.stateMu.Unlock()

	s.scheduleCooldownEnd(time.Until(endsAt))
	s.broker.publish(SyncEvent{Kind: EventSyncFailed, IsNetworkConnectionError: isNetworkConnectionError})
	s.logger.Warn().Str("device_id", s.deviceID).Time("cooldown_ends_at", endsAt).Msg("sync failed")
}

func (s *Syncer) scheduleCooldownEnd(d time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.cooldownTimer != nil {
		s.cooldownTimer.Stop()
	}
	s.cooldownTimer = time.AfterFunc(d, func() {
		s.broker.publish(SyncEvent{Kind: EventCooldownEnd, FromSuccess: false})
	})
}

func (s *Syncer) cancelScheduledCooldownEnd() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.cooldownTimer != nil {
		s.cooldownTimer.Stop()
		s.cooldownTimer = nil
	}
}

func anyNetworkConnectionError(errsList []error) bool {
	for _, err := range errsList {
		if errs.IsNetworkConnectionError(err) {
			return true
		}
	}
	return false
}
