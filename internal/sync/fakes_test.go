package sync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/storage"
)

// fakeMetadataStore is a minimal in-memory stand-in for
// *storage.Cache[models.ConfigInstanceID, models.ConfigInstance], guarded by
// a mutex since the syncer and its collaborators may touch it from
// different goroutines in the actor-shutdown tests.
type fakeMetadataStore struct {
	mu      sync.Mutex
	entries map[models.ConfigInstanceID]storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance]
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{entries: map[models.ConfigInstanceID]storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance]{}}
}

func (f *fakeMetadataStore) ReadEntryOptional(id models.ConfigInstanceID, _ bool) (*storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (f *fakeMetadataStore) Write(id models.ConfigInstanceID, value models.ConfigInstance, isDirty storage.IsDirtyFunc[models.ConfigInstanceID, models.ConfigInstance], _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.entries[id]
	var existingPtr *storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance]
	if ok {
		existingPtr = &existing
	}
	entry := storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance]{
		Key:     id,
		Value:   value,
		IsDirty: isDirty(existingPtr, value),
	}
	if ok {
		entry.CreatedAt = existing.CreatedAt
	}
	f.entries[id] = entry
	return nil
}

func (f *fakeMetadataStore) FindAll(filter func(models.ConfigInstance) bool) ([]models.ConfigInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ConfigInstance
	for _, entry := range f.entries {
		if filter(entry.Value) {
			out = append(out, entry.Value)
		}
	}
	return out, nil
}

func (f *fakeMetadataStore) FindOneOptional(label string, filter func(models.ConfigInstance) bool) (*models.ConfigInstance, error) {
	matches, err := f.FindAll(filter)
	if err != nil {
		return nil, err
	}
	if len(matches) > 1 {
		return nil, &errs.AmbiguousResult{Label: label, Count: len(matches)}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

func (f *fakeMetadataStore) GetDirtyEntries() ([]storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.CacheEntry[models.ConfigInstanceID, models.ConfigInstance]
	for _, entry := range f.entries {
		if entry.IsDirty {
			out = append(out, entry)
		}
	}
	return out, nil
}

// fakeContentStore is a minimal in-memory stand-in for
// *storage.Cache[models.ConfigInstanceID, json.RawMessage].
type fakeContentStore struct {
	mu   sync.Mutex
	data map[models.ConfigInstanceID]json.RawMessage
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{data: map[models.ConfigInstanceID]json.RawMessage{}}
}

func (f *fakeContentStore) Read(id models.ConfigInstanceID) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[id]
	if !ok {
		return nil, &errs.NotFound{Key: id.String()}
	}
	return raw, nil
}

func (f *fakeContentStore) Write(id models.ConfigInstanceID, value json.RawMessage, _ storage.IsDirtyFunc[models.ConfigInstanceID, json.RawMessage], _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[id] = value
	return nil
}

// fakeBackendClient implements backend.Client with per-call override funcs,
// defaulting to empty/success behavior when left nil.
type fakeBackendClient struct {
	listFunc   func(ctx context.Context, deviceID string) ([]backend.BackendInstance, error)
	updateFunc func(ctx context.Context, id models.ConfigInstanceID, update backend.InstanceUpdate) error

	mu          sync.Mutex
	updateCalls []models.ConfigInstanceID
}

func (c *fakeBackendClient) IssueDeviceToken(context.Context, string, []byte, string) (backend.IssuedToken, error) {
	return backend.IssuedToken{}, nil
}

func (c *fakeBackendClient) ListConfigInstances(ctx context.Context, deviceID string) ([]backend.BackendInstance, error) {
	if c.listFunc == nil {
		return nil, nil
	}
	return c.listFunc(ctx, deviceID)
}

func (c *fakeBackendClient) UpdateConfigInstance(ctx context.Context, id models.ConfigInstanceID, update backend.InstanceUpdate) error {
	c.mu.Lock()
	c.updateCalls = append(c.updateCalls, id)
	c.mu.Unlock()
	if c.updateFunc == nil {
		return nil
	}
	return c.updateFunc(ctx, id, update)
}

func (c *fakeBackendClient) FindConfigSchema(context.Context, string, string) (backend.ConfigSchema, error) {
	return backend.ConfigSchema{}, nil
}

// fakeTokenProvider implements TokenProvider with a fixed token and a
// configurable refresh outcome.
type fakeTokenProvider struct {
	mu           sync.Mutex
	token        models.Token
	refreshErr   error
	refreshCalls int
}

func (t *fakeTokenProvider) GetToken() models.Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

func (t *fakeTokenProvider) RefreshToken(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshCalls++
	if t.refreshErr != nil {
		return t.refreshErr
	}
	t.token.ExpiresAt = t.token.ExpiresAt.Add(0)
	return nil
}
