package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/storage"
)

// Pull fetches every backend-declared instance for deviceID and merges each
// into the metadata and content caches. The backend is authoritative on
// target status and classification fields; local progress fields
// (activity, error, attempts, cooldown) are preserved across the merge.
// Per-instance failures are collected rather than aborting the pass.
func Pull(ctx context.Context, client backend.Client, deviceID string, metadata MetadataStore, content ContentStore, now time.Time) []error {
	instances, err := client.ListConfigInstances(ctx, deviceID)
	if err != nil {
		return []error{fmt.Errorf("list config instances: %w", err)}
	}

	var errsList []error
	for _, bi := range instances {
		if err := mergeInstance(bi, metadata, now); err != nil {
			errsList = append(errsList, fmt.Errorf("merge config instance %s: %w", bi.ID, err))
			continue
		}
		if len(bi.Content) == 0 {
			continue
		}
		if err := content.Write(bi.ID, bi.Content, neverDirtyContent, true); err != nil {
			errsList = append(errsList, fmt.Errorf("store content for %s: %w", bi.ID, err))
		}
	}
	return errsList
}

func mergeInstance(bi backend.BackendInstance, metadata MetadataStore, now time.Time) error {
	existing, err := metadata.ReadEntryOptional(bi.ID, false)
	if err != nil {
		return err
	}

	var next models.ConfigInstance
	if existing == nil {
		next = models.ConfigInstance{
			ID:             bi.ID,
			TargetStatus:   bi.TargetStatus,
			ActivityStatus: models.ActivityCreated,
			ErrorStatus:    models.ErrorNone,
			Attempts:       0,
			CooldownEndsAt: models.NoCooldown,
			CreatedAt:      now,
		}
	} else {
		next = existing.Value
	}

	next.TargetStatus = bi.TargetStatus
	next.RelativeFilepath = bi.RelativeFilepath
	next.ConfigSchemaID = bi.ConfigSchemaID
	next.ConfigTypeID = bi.ConfigTypeID
	next.DeviceID = bi.DeviceID
	next.PatchID = bi.PatchID
	next.UpdatedAt = now

	return metadata.Write(bi.ID, next, preserveDirty, true)
}

// preserveDirty keeps whatever dirty flag the entry already carried: a pull
// only touches server-owned fields, never the locally-observed progress a
// push is waiting to report.
func preserveDirty(existing *storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance], _ models.ConfigInstance) bool {
	if existing == nil {
		return false
	}
	return existing.IsDirty
}

// neverDirtyContent marks content-cache entries as always clean: content is
// never pushed, so dirty tracking has no meaning for this cache.
func neverDirtyContent(_ *storage.CacheEntry[models.ConfigInstanceID, json.RawMessage], _ json.RawMessage) bool {
	return false
}
