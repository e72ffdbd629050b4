package sync

import (
	"context"
	"fmt"

	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/storage"
)

// Push uploads every dirty metadata-cache entry's observed progress to the
// backend, clearing the dirty flag only on a successful PATCH. Per-entry
// failures are collected so one sick instance never blocks the rest.
func Push(ctx context.Context, client backend.Client, metadata MetadataStore) []error {
	dirty, err := metadata.GetDirtyEntries()
	if err != nil {
		return []error{fmt.Errorf("list dirty config instances: %w", err)}
	}

	var errsList []error
	for _, entry := range dirty {
		inst := entry.Value
		update := backend.InstanceUpdate{ActivityStatus: inst.ActivityStatus, ErrorStatus: inst.ErrorStatus}
		if err := client.UpdateConfigInstance(ctx, inst.ID, update); err != nil {
			errsList = append(errsList, fmt.Errorf("push config instance %s: %w", inst.ID, err))
			continue
		}
		if err := metadata.Write(inst.ID, inst, neverDirty, true); err != nil {
			errsList = append(errsList, fmt.Errorf("clear dirty flag for %s: %w", inst.ID, err))
		}
	}
	return errsList
}

func neverDirty(_ *storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance], _ models.ConfigInstance) bool {
	return false
}
