package sync

import (
	"context"
	"testing"

	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/storage"
)

func alwaysDirty(*storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance], models.ConfigInstance) bool {
	return true
}

func TestPushClearsDirtyFlagOnSuccess(t *testing.T) {
	metadata := newFakeMetadataStore()
	_ = metadata.Write("a", models.ConfigInstance{ID: "a", ActivityStatus: models.ActivityDeployed, ErrorStatus: models.ErrorNone}, alwaysDirty, true)

	client := &fakeBackendClient{}
	if errsList := Push(context.Background(), client, metadata); len(errsList) != 0 {
		t.Fatalf("got errors %v, want none", errsList)
	}

	entry, err := metadata.ReadEntryOptional("a", false)
	if err != nil || entry == nil {
		t.Fatalf("expected instance a to remain present, err=%v", err)
	}
	if entry.IsDirty {
		t.Error("expected dirty flag cleared after successful push")
	}
	if len(client.updateCalls) != 1 {
		t.Fatalf("got %d update calls, want 1", len(client.updateCalls))
	}
}

func TestPushLeavesEntryDirtyOnFailure(t *testing.T) {
	metadata := newFakeMetadataStore()
	_ = metadata.Write("a", models.ConfigInstance{ID: "a", ActivityStatus: models.ActivityDeployed}, alwaysDirty, true)

	client := &fakeBackendClient{
		updateFunc: func(context.Context, models.ConfigInstanceID, backend.InstanceUpdate) error {
			return errTestTransport
		},
	}

	errsList := Push(context.Background(), client, metadata)
	if len(errsList) != 1 {
		t.Fatalf("got %d errors, want 1", len(errsList))
	}

	entry, err := metadata.ReadEntryOptional("a", false)
	if err != nil || entry == nil {
		t.Fatalf("expected instance a to remain present, err=%v", err)
	}
	if !entry.IsDirty {
		t.Error("expected entry to remain dirty after a failed push")
	}
}

func TestPushSkipsCleanEntries(t *testing.T) {
	metadata := newFakeMetadataStore()
	_ = metadata.Write("a", models.ConfigInstance{ID: "a"}, func(*storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance], models.ConfigInstance) bool { return false }, true)

	client := &fakeBackendClient{}
	if errsList := Push(context.Background(), client, metadata); len(errsList) != 0 {
		t.Fatalf("got errors %v, want none", errsList)
	}
	if len(client.updateCalls) != 0 {
		t.Errorf("got %d update calls, want 0 for a clean entry", len(client.updateCalls))
	}
}

func TestPushContinuesAfterOneFailure(t *testing.T) {
	metadata := newFakeMetadataStore()
	_ = metadata.Write("a", models.ConfigInstance{ID: "a"}, alwaysDirty, true)
	_ = metadata.Write("b", models.ConfigInstance{ID: "b"}, alwaysDirty, true)

	client := &fakeBackendClient{
		updateFunc: func(_ context.Context, id models.ConfigInstanceID, _ backend.InstanceUpdate) error {
			if id == "a" {
				return errTestTransport
			}
			return nil
		},
	}

	errsList := Push(context.Background(), client, metadata)
	if len(errsList) != 1 {
		t.Fatalf("got %d errors, want 1", len(errsList))
	}

	entryB, err := metadata.ReadEntryOptional("b", false)
	if err != nil || entryB == nil {
		t.Fatalf("expected instance b to remain present, err=%v", err)
	}
	if entryB.IsDirty {
		t.Error("instance b should have been pushed successfully despite a's failure")
	}
}
