package deploy

import (
	"time"

	"github.com/cuemby/agent/internal/log"
	"github.com/cuemby/agent/internal/models"
)

// maxApplyIterations bounds the fixed-point loop below: a cooldown cascade
// or a flapping conflict could otherwise spin forever on a broken working
// set.
const maxApplyIterations = 30

// Apply drives every instance in toApply through ApplyOne repeatedly until
// none of the resulting instances require further action this pass (cooldown
// cascades and conflict resolution can both produce an instance that still
// wants another round).
func Apply(toApply map[models.ConfigInstanceID]models.ConfigInstance, finder InstanceFinder, content ContentReader, deploymentRoot string, settings Settings, observers []Observer, now time.Time) map[models.ConfigInstanceID]models.ConfigInstance {
	applied := make(map[models.ConfigInstanceID]models.ConfigInstance, len(toApply))
	pending := make(map[models.ConfigInstanceID]models.ConfigInstance, len(toApply))
	for k, v := range toApply {
		pending[k] = v
	}

	for i := 0; len(pending) > 0; i++ {
		if i >= maxApplyIterations {
			log.WithComponent("deploy").Error().Int("remaining", len(pending)).
				Msg("max iterations reached while applying deployments, exiting")
			break
		}

		var id models.ConfigInstanceID
		for k := range pending {
			id = k
			break
		}
		instance := pending[id]
		delete(pending, id)

		results, err := ApplyOne(&instance, finder, content, deploymentRoot, settings, observers, now)
		if err != nil {
			log.WithComponent("deploy").Error().Err(err).Str("instance_id", id.String()).
				Msg("error applying config instance")
		}

		for _, resultList := range [][]*models.ConfigInstance{results.ToRemove, results.ToDeploy} {
			for _, inst := range resultList {
				if IsActionRequired(NextActionFor(inst, true, now)) {
					pending[inst.ID] = *inst
				} else {
					delete(pending, inst.ID)
					applied[inst.ID] = *inst
				}
			}
		}
	}

	return applied
}
