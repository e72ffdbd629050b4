package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/filesys"
	"github.com/cuemby/agent/internal/log"
	"github.com/cuemby/agent/internal/models"
)

// InstanceFinder is the read surface the apply engine needs over the full
// set of locally-known config instances, to detect conflicts and candidate
// replacements. *storage.Cache[models.ConfigInstanceID, models.ConfigInstance]
// satisfies this directly.
type InstanceFinder interface {
	FindAll(filter func(models.ConfigInstance) bool) ([]models.ConfigInstance, error)
	FindOneOptional(filterName string, filter func(models.ConfigInstance) bool) (*models.ConfigInstance, error)
}

// ContentReader resolves an instance's materialized payload by id.
// *storage.Cache[models.ConfigInstanceID, json.RawMessage] satisfies this.
type ContentReader interface {
	Read(id models.ConfigInstanceID) (json.RawMessage, error)
}

// Observer is notified after every instance transition the apply engine
// commits, so interested parties (the metadata cache, in practice) can
// persist it without the engine needing to know how.
type Observer interface {
	OnUpdate(instance *models.ConfigInstance) error
}

// DeployResults is the set of instances the apply engine changed during one
// call; the caller feeds these back into its working set until none of them
// require further action.
type DeployResults struct {
	ToRemove []*models.ConfigInstance
	ToDeploy []*models.ConfigInstance
}

func notifyAll(observers []Observer, instance *models.ConfigInstance) error {
	var firstErr error
	for _, o := range observers {
		if err := o.OnUpdate(instance); err != nil {
			log.WithComponent("deploy").Error().Err(err).Str("instance_id", instance.ID.String()).
				Msg("observer failed to record instance update")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ApplyOne dispatches a single instance to deploy or remove based on its
// current next action, or is a no-op for None/Wait.
func ApplyOne(instance *models.ConfigInstance, finder InstanceFinder, content ContentReader, deploymentRoot string, settings Settings, observers []Observer, now time.Time) (DeployResults, error) {
	switch NextActionFor(instance, true, now) {
	case ActionNone, ActionWait:
		return DeployResults{}, nil
	case ActionDeploy:
		return deployInstance(instance, finder, content, deploymentRoot, settings, observers, now)
	case ActionRemove:
		return removeInstance(instance, finder, content, deploymentRoot, settings, observers, now)
	default:
		return DeployResults{}, nil
	}
}

func deployInstance(instance *models.ConfigInstance, finder InstanceFinder, content ContentReader, deploymentRoot string, settings Settings, observers []Observer, now time.Time) (DeployResults, error) {
	if NextActionFor(instance, true, now) != ActionDeploy {
		return DeployResults{}, &errs.InstanceNotDeployable{InstanceID: instance.ID.String(), NextAction: NextActionFor(instance, true, now).String()}
	}

	conflicts, err := FindInstancesToReplace(instance, finder)
	if err != nil {
		var conflict *errs.ConflictingDeployments
		if errors.As(err, &conflict) {
			failing := instance.Clone()
			failing.ActivityStatus = models.ActivityRemoved
			result := Error(failing, settings, err, true, now)
			if nerr := notifyAll(observers, result); nerr != nil {
				return DeployResults{}, nerr
			}
			return DeployResults{ToDeploy: []*models.ConfigInstance{result}}, err
		}
		return DeployResults{}, err
	}

	log.WithComponent("deploy").Info().Str("instance_id", instance.ID.String()).
		Int("conflicts", len(conflicts)).Msg("deploying config instance")

	return applyFileChanges(conflicts, []*models.ConfigInstance{instance}, content, deploymentRoot, settings, observers, now)
}

func removeInstance(instance *models.ConfigInstance, finder InstanceFinder, content ContentReader, deploymentRoot string, settings Settings, observers []Observer, now time.Time) (DeployResults, error) {
	if NextActionFor(instance, true, now) != ActionRemove {
		return DeployResults{}, &errs.InstanceNotDeployable{InstanceID: instance.ID.String(), NextAction: NextActionFor(instance, true, now).String()}
	}

	replacement, err := FindReplacement(instance, finder)
	if err != nil {
		return DeployResults{}, err
	}

	var replacements []*models.ConfigInstance
	if replacement != nil {
		if replacement.IsInCooldown(now) {
			// cascade the replacement's cooldown onto this instance so both
			// flip together once it elapses, instead of removing now and
			// leaving the slot empty in the meantime.
			next := instance.Clone()
			next.SetCooldown(replacement.CooldownEndsAt)
			if nerr := notifyAll(observers, next); nerr != nil {
				return DeployResults{}, nerr
			}
			return DeployResults{ToDeploy: []*models.ConfigInstance{next}}, nil
		}
		replacements = append(replacements, replacement)
	}

	log.WithComponent("deploy").Info().Str("instance_id", instance.ID.String()).
		Int("replacements", len(replacements)).Msg("removing config instance")

	return applyFileChanges([]*models.ConfigInstance{instance}, replacements, content, deploymentRoot, settings, observers, now)
}

// FindInstancesToReplace finds every locally-deployed instance that would
// conflict with instance: same config schema, or the same materialization
// path. It is an error for any such conflict to itself want to stay
// deployed.
func FindInstancesToReplace(instance *models.ConfigInstance, finder InstanceFinder) ([]*models.ConfigInstance, error) {
	matches, err := finder.FindAll(func(other models.ConfigInstance) bool {
		if other.ActivityStatus != models.ActivityDeployed {
			return false
		}
		if other.ConfigSchemaID == instance.ConfigSchemaID {
			return true
		}
		if instance.RelativeFilepath != nil && other.RelativeFilepath != nil &&
			*other.RelativeFilepath == *instance.RelativeFilepath {
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	conflicts := make([]*models.ConfigInstance, 0, len(matches))
	var conflictIDs []string
	for i := range matches {
		m := matches[i]
		if m.TargetStatus == models.TargetDeployed {
			conflictIDs = append(conflictIDs, m.ID.String())
		}
		conflicts = append(conflicts, &m)
	}
	if len(conflictIDs) > 0 {
		return nil, &errs.ConflictingDeployments{InstanceID: instance.ID.String(), ConflictIDs: conflictIDs}
	}
	return conflicts, nil
}

// FindReplacement finds the (at most one) instance with the same config
// schema that wants to be deployed, to take over for instance once it is
// removed.
func FindReplacement(instance *models.ConfigInstance, finder InstanceFinder) (*models.ConfigInstance, error) {
	match, err := finder.FindOneOptional("same config schema, next action deploy", func(other models.ConfigInstance) bool {
		return other.ConfigSchemaID == instance.ConfigSchemaID && NextActionFor(&other, false, time.Now()) == ActionDeploy
	})
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, nil
	}
	return match, nil
}

// applyFileChanges atomically replaces toRemove's materialized files with
// toDeploy's, rolling back to the original files if any step fails. Content
// availability for every instance in toDeploy is checked before any file on
// disk is touched, so a missing payload never leaves a removed instance's
// file deleted with nothing to replace it.
func applyFileChanges(toRemove, toDeploy []*models.ConfigInstance, content ContentReader, deploymentRoot string, settings Settings, observers []Observer, now time.Time) (DeployResults, error) {
	ready := map[models.ConfigInstanceID]json.RawMessage{}
	var missing []*models.ConfigInstance
	for _, inst := range toDeploy {
		raw, err := content.Read(inst.ID)
		if err != nil {
			missing = append(missing, inst)
			continue
		}
		ready[inst.ID] = raw
	}

	if len(missing) > 0 {
		results := DeployResults{}
		for _, inst := range toDeploy {
			result := inst
			if containsInstance(missing, inst) {
				failing := inst.Clone()
				failing.ActivityStatus = models.ActivityRemoved
				result = Error(failing, settings, &errs.NotFound{Label: "config instance content", Key: inst.ID.String()}, true, now)
			}
			if err := notifyAll(observers, result); err != nil {
				return DeployResults{}, err
			}
			results.ToDeploy = append(results.ToDeploy, result)
		}
		return results, nil
	}

	backups := map[models.ConfigInstanceID]json.RawMessage{}
	for _, inst := range toRemove {
		if inst.RelativeFilepath == nil {
			continue
		}
		if raw, err := content.Read(inst.ID); err == nil {
			backups[inst.ID] = raw
		}
		path := filepath.Join(deploymentRoot, *inst.RelativeFilepath)
		if err := filesys.Delete(path); err != nil {
			return DeployResults{}, fmt.Errorf("failed to remove materialized file for instance %s: %w", inst.ID, err)
		}
	}

	var written []string
	var failedInstance *models.ConfigInstance
	var writeErr error
	for _, inst := range toDeploy {
		if inst.RelativeFilepath == nil {
			continue
		}
		path := filepath.Join(deploymentRoot, *inst.RelativeFilepath)
		if err := filesys.WriteBytesAtomic(path, ready[inst.ID], 0o644); err != nil {
			failedInstance = inst
			writeErr = err
			break
		}
		written = append(written, path)
	}

	if writeErr != nil {
		for _, inst := range toRemove {
			if inst.RelativeFilepath == nil {
				continue
			}
			raw, ok := backups[inst.ID]
			if !ok {
				continue
			}
			path := filepath.Join(deploymentRoot, *inst.RelativeFilepath)
			if err := filesys.WriteBytesAtomic(path, raw, 0o644); err != nil {
				log.WithComponent("deploy").Error().Err(err).Str("path", path).
					Msg("failed to restore file during rollback")
			}
		}
		for _, path := range written {
			_ = filesys.Delete(path)
		}

		failing := failedInstance.Clone()
		failing.ActivityStatus = models.ActivityRemoved
		result := Error(failing, settings, writeErr, true, now)
		if err := notifyAll(observers, result); err != nil {
			return DeployResults{}, err
		}
		return DeployResults{ToDeploy: []*models.ConfigInstance{result}}, writeErr
	}

	results := DeployResults{}
	for _, inst := range toRemove {
		next := Remove(inst, now)
		if err := notifyAll(observers, next); err != nil {
			return DeployResults{}, err
		}
		results.ToRemove = append(results.ToRemove, next)
	}
	for _, inst := range toDeploy {
		next := Deploy(inst, now)
		if err := notifyAll(observers, next); err != nil {
			return DeployResults{}, err
		}
		results.ToDeploy = append(results.ToDeploy, next)
	}
	return results, nil
}

func containsInstance(list []*models.ConfigInstance, target *models.ConfigInstance) bool {
	for _, inst := range list {
		if inst.ID == target.ID {
			return true
		}
	}
	return false
}
