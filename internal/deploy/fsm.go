// Package deploy implements the deployment finite-state machine and the
// apply engine that executes its decisions against the local filesystem.
package deploy

import (
	"math"
	"time"

	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/models"
)

// NextAction is the pure decision the FSM makes for a config instance on a
// given reconciliation pass.
type NextAction int

const (
	ActionNone NextAction = iota
	ActionDeploy
	ActionRemove
	ActionWait
	ActionArchive
)

func (a NextAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDeploy:
		return "deploy"
	case ActionRemove:
		return "remove"
	case ActionWait:
		return "wait"
	case ActionArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Settings parameterizes backoff and retry policy.
type Settings struct {
	MaxAttempts        uint32
	ExpBackoffBaseSecs uint64
	MaxCooldownSecs    uint64
}

// transitionTable is the activity×target matrix from the spec; actions that
// don't appear here default to None (error status Failed is handled
// separately).
var transitionTable = map[models.ActivityStatus]map[models.TargetStatus]NextAction{
	models.ActivityCreated: {
		models.TargetCreated:  ActionNone,
		models.TargetDeployed: ActionDeploy,
		models.TargetRemoved:  ActionNone,
	},
	models.ActivityQueued: {
		models.TargetCreated:  ActionNone,
		models.TargetDeployed: ActionDeploy,
		models.TargetRemoved:  ActionRemove,
	},
	models.ActivityDeployed: {
		models.TargetCreated:  ActionRemove,
		models.TargetDeployed: ActionNone,
		models.TargetRemoved:  ActionRemove,
	},
	models.ActivityRemoved: {
		models.TargetCreated:  ActionNone,
		models.TargetDeployed: ActionDeploy,
		models.TargetRemoved:  ActionNone,
	},
}

// NextActionFor decides the action to take on instance given the current
// time. When honorCooldown is false, the cooldown window is ignored and the
// transition table applies directly — used by the apply engine once it has
// already committed to acting on an instance this pass.
func NextActionFor(instance *models.ConfigInstance, honorCooldown bool, now time.Time) NextAction {
	if instance.ErrorStatus == models.ErrorFailed {
		return ActionNone
	}
	if honorCooldown && instance.CooldownEndsAt.After(now) {
		return ActionWait
	}
	row, ok := transitionTable[instance.ActivityStatus]
	if !ok {
		return ActionNone
	}
	return row[instance.TargetStatus]
}

// IsActionRequired reports whether a reconciliation pass still needs to act
// on an instance that produced this action.
func IsActionRequired(a NextAction) bool {
	return a == ActionDeploy || a == ActionRemove || a == ActionArchive
}

// Deploy returns a copy of instance transitioned to Deployed: attempts and
// cooldown reset, error cleared unless terminally Failed.
func Deploy(instance *models.ConfigInstance, now time.Time) *models.ConfigInstance {
	return transitionTo(instance, models.ActivityDeployed, now)
}

// Remove returns a copy of instance transitioned to Removed: attempts and
// cooldown reset, error cleared unless terminally Failed.
func Remove(instance *models.ConfigInstance, now time.Time) *models.ConfigInstance {
	return transitionTo(instance, models.ActivityRemoved, now)
}

func transitionTo(instance *models.ConfigInstance, activity models.ActivityStatus, now time.Time) *models.ConfigInstance {
	next := instance.Clone()
	next.ActivityStatus = activity
	next.Attempts = 0
	next.ClearCooldown()
	if next.ErrorStatus != models.ErrorFailed {
		next.ErrorStatus = models.ErrorNone
	}
	next.UpdatedAt = now
	return next
}

// Error returns a copy of instance reflecting a failed attempt: attempts
// increment unless err is a recoverable network-connection error, the error
// status escalates to Failed once max attempts is reached, and a fresh
// cooldown is scheduled via exponential backoff.
func Error(instance *models.ConfigInstance, settings Settings, err error, increment bool, now time.Time) *models.ConfigInstance {
	next := instance.Clone()

	if !errs.IsNetworkConnectionError(err) && increment {
		next.Attempts++
	}

	if next.ErrorStatus == models.ErrorFailed || next.Attempts >= settings.MaxAttempts {
		next.ErrorStatus = models.ErrorFailed
	} else {
		next.ErrorStatus = models.ErrorRetrying
	}

	backoff := CalcExpBackoff(settings.ExpBackoffBaseSecs, 2, next.Attempts, settings.MaxCooldownSecs)
	next.CooldownEndsAt = now.Add(time.Duration(backoff) * time.Second)
	next.UpdatedAt = now
	return next
}

// CalcExpBackoff computes min(base * factor^attempts, max) seconds.
func CalcExpBackoff(base uint64, factor uint64, attempts uint32, max uint64) uint64 {
	backoff := float64(base) * math.Pow(float64(factor), float64(attempts))
	if backoff > float64(max) {
		return max
	}
	return uint64(backoff)
}
