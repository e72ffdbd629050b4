package deploy

import (
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/storage"
)

// InstanceWriter is the subset of *storage.Cache[ConfigInstanceID,
// ConfigInstance] the storage observer needs.
type InstanceWriter interface {
	Write(key models.ConfigInstanceID, value models.ConfigInstance, isDirty storage.IsDirtyFunc[models.ConfigInstanceID, models.ConfigInstance], overwrite bool) error
}

// StorageObserver persists every instance transition the apply engine
// commits back into the metadata cache, marking it dirty whenever its
// locally-owned progress fields (activity, error) actually changed so the
// push phase knows to upload it.
type StorageObserver struct {
	Cache InstanceWriter
}

// OnUpdate implements Observer.
func (o *StorageObserver) OnUpdate(instance *models.ConfigInstance) error {
	return o.Cache.Write(instance.ID, *instance, isDirty, true)
}

func isDirty(existing *storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance], next models.ConfigInstance) bool {
	if existing == nil {
		return true
	}
	return existing.IsDirty ||
		existing.Value.ActivityStatus != next.ActivityStatus ||
		existing.Value.ErrorStatus != next.ErrorStatus
}
