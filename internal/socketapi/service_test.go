package socketapi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/storage"
)

type fakeSchemaCache struct {
	mu      sync.Mutex
	entries map[string]models.ConfigSchema
}

func newFakeSchemaCache() *fakeSchemaCache {
	return &fakeSchemaCache{entries: map[string]models.ConfigSchema{}}
}

func (c *fakeSchemaCache) ReadOptional(id string) (*models.ConfigSchema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (c *fakeSchemaCache) Write(id string, value models.ConfigSchema, _ storage.IsDirtyFunc[string, models.ConfigSchema], _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = value
	return nil
}

type fakeSchemaDigestCache struct {
	mu      sync.Mutex
	entries map[models.SchemaDigestKey]string
}

func newFakeSchemaDigestCache() *fakeSchemaDigestCache {
	return &fakeSchemaDigestCache{entries: map[models.SchemaDigestKey]string{}}
}

func (c *fakeSchemaDigestCache) ReadOptional(key models.SchemaDigestKey) (*string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (c *fakeSchemaDigestCache) Write(key models.SchemaDigestKey, value string, _ storage.IsDirtyFunc[models.SchemaDigestKey, string], _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

type fakeInstanceCache struct {
	mu        sync.Mutex
	instances []models.ConfigInstance
}

func (c *fakeInstanceCache) FindOneOptional(_ string, filter func(models.ConfigInstance) bool) (*models.ConfigInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inst := range c.instances {
		if filter(inst) {
			found := inst
			return &found, nil
		}
	}
	return nil, nil
}

func (c *fakeInstanceCache) add(inst models.ConfigInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = append(c.instances, inst)
}

type fakeContentCache struct {
	mu      sync.Mutex
	entries map[models.ConfigInstanceID]json.RawMessage
}

func newFakeContentCache() *fakeContentCache {
	return &fakeContentCache{entries: map[models.ConfigInstanceID]json.RawMessage{}}
}

func (c *fakeContentCache) ReadOptional(id models.ConfigInstanceID) (*json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

type fakeSyncer struct {
	mu        sync.Mutex
	calls     int
	onSync    func()
	returnErr error
}

func (s *fakeSyncer) SyncIfNotInCooldown(context.Context) error {
	s.mu.Lock()
	s.calls++
	onSync := s.onSync
	s.mu.Unlock()
	if onSync != nil {
		onSync()
	}
	return s.returnErr
}

func (s *fakeSyncer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeBackendClient struct {
	schema    backend.ConfigSchema
	schemaErr error
}

func (c *fakeBackendClient) IssueDeviceToken(context.Context, string, []byte, string) (backend.IssuedToken, error) {
	return backend.IssuedToken{}, nil
}
func (c *fakeBackendClient) ListConfigInstances(context.Context, string) ([]backend.BackendInstance, error) {
	return nil, nil
}
func (c *fakeBackendClient) UpdateConfigInstance(context.Context, models.ConfigInstanceID, backend.InstanceUpdate) error {
	return nil
}
func (c *fakeBackendClient) FindConfigSchema(context.Context, string, string) (backend.ConfigSchema, error) {
	return c.schema, c.schemaErr
}

func newTestService() (*Service, *fakeInstanceCache, *fakeContentCache, *fakeSyncer, *fakeBackendClient) {
	instances := &fakeInstanceCache{}
	content := newFakeContentCache()
	syncer := &fakeSyncer{}
	client := &fakeBackendClient{}
	svc := &Service{
		Backend:       client,
		Syncer:        syncer,
		Schemas:       newFakeSchemaCache(),
		SchemaDigests: newFakeSchemaDigestCache(),
		Instances:     instances,
		Content:       content,
	}
	return svc, instances, content, syncer, client
}

func TestGetDeployedResolvesSchemaFromBackendOnCacheMiss(t *testing.T) {
	svc, instances, content, syncer, client := newTestService()
	client.schema = backend.ConfigSchema{ID: "schema-1", ConfigTypeSlug: "net", Digest: "abc"}

	instances.add(models.ConfigInstance{
		ID:             "inst-1",
		DeviceID:       "device-1",
		ConfigSchemaID: "schema-1",
		ActivityStatus: models.ActivityDeployed,
	})
	content.entries["inst-1"] = json.RawMessage(`{"key":"value"}`)

	deployed, err := svc.GetDeployed(context.Background(), "device-1", "net", "abc")
	if err != nil {
		t.Fatalf("GetDeployed failed: %v", err)
	}
	if deployed.Instance.ID != "inst-1" {
		t.Errorf("got instance %q, want inst-1", deployed.Instance.ID)
	}
	if string(deployed.Content) != `{"key":"value"}` {
		t.Errorf("got content %s, want the cached instance content", deployed.Content)
	}
	if syncer.callCount() != 0 {
		t.Errorf("got %d sync calls, want 0 since the instance was already deployed locally", syncer.callCount())
	}

	// second resolveSchema should hit the cache, not the backend again: a
	// backend error here would surface if it were consulted.
	client.schemaErr = &errs.ConfigSchemaNotFound{ConfigTypeSlug: "net", Digest: "abc"}
	if _, err := svc.GetDeployed(context.Background(), "device-1", "net", "abc"); err != nil {
		t.Fatalf("second GetDeployed failed, schema should have been cached: %v", err)
	}
}

func TestGetDeployedTriggersSyncWhenInstanceMissingThenRetries(t *testing.T) {
	svc, instances, content, syncer, client := newTestService()
	client.schema = backend.ConfigSchema{ID: "schema-1", ConfigTypeSlug: "net", Digest: "abc"}

	syncer.onSync = func() {
		instances.add(models.ConfigInstance{
			ID:             "inst-2",
			DeviceID:       "device-1",
			ConfigSchemaID: "schema-1",
			ActivityStatus: models.ActivityDeployed,
		})
		content.entries["inst-2"] = json.RawMessage(`{}`)
	}

	deployed, err := svc.GetDeployed(context.Background(), "device-1", "net", "abc")
	if err != nil {
		t.Fatalf("GetDeployed failed: %v", err)
	}
	if deployed.Instance.ID != "inst-2" {
		t.Errorf("got instance %q, want inst-2", deployed.Instance.ID)
	}
	if syncer.callCount() != 1 {
		t.Errorf("got %d sync calls, want exactly 1", syncer.callCount())
	}
}

func TestGetDeployedReturnsNotFoundAfterRetryStillMisses(t *testing.T) {
	svc, _, _, syncer, client := newTestService()
	client.schema = backend.ConfigSchema{ID: "schema-1", ConfigTypeSlug: "net", Digest: "abc"}

	_, err := svc.GetDeployed(context.Background(), "device-1", "net", "abc")
	var notFound *errs.DeployedInstanceNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("got error %v, want *errs.DeployedInstanceNotFound", err)
	}
	if syncer.callCount() != 1 {
		t.Errorf("got %d sync calls, want exactly 1 (the single retry)", syncer.callCount())
	}
}

func TestGetDeployedIgnoresInCooldownDuringRetrySync(t *testing.T) {
	svc, _, _, syncer, client := newTestService()
	client.schema = backend.ConfigSchema{ID: "schema-1", ConfigTypeSlug: "net", Digest: "abc"}
	syncer.returnErr = &errs.InCooldown{EndsAtUnix: 1}

	_, err := svc.GetDeployed(context.Background(), "device-1", "net", "abc")
	var notFound *errs.DeployedInstanceNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("got error %v, want DeployedInstanceNotFound (cooldown refusal should not mask it)", err)
	}
}

func TestGetDeployedReturnsSchemaNotFoundFromBackend(t *testing.T) {
	svc, _, _, _, client := newTestService()
	client.schemaErr = &errs.ConfigSchemaNotFound{ConfigTypeSlug: "net", Digest: "abc"}

	_, err := svc.GetDeployed(context.Background(), "device-1", "net", "abc")
	var notFound *errs.ConfigSchemaNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("got error %v, want *errs.ConfigSchemaNotFound", err)
	}
}
