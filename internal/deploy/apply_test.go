package deploy

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/models"
)

type fakeFinder struct {
	instances []models.ConfigInstance
}

func (f *fakeFinder) FindAll(filter func(models.ConfigInstance) bool) ([]models.ConfigInstance, error) {
	var out []models.ConfigInstance
	for _, inst := range f.instances {
		if filter(inst) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeFinder) FindOneOptional(filterName string, filter func(models.ConfigInstance) bool) (*models.ConfigInstance, error) {
	matches, err := f.FindAll(filter)
	if err != nil {
		return nil, err
	}
	if len(matches) > 1 {
		return nil, &errs.AmbiguousResult{Label: filterName, Count: len(matches)}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

type fakeContent struct {
	data map[models.ConfigInstanceID][]byte
}

func (f *fakeContent) Read(id models.ConfigInstanceID) (json.RawMessage, error) {
	raw, ok := f.data[id]
	if !ok {
		return nil, &errs.NotFound{Key: id.String()}
	}
	return raw, nil
}

type recordingObserver struct {
	updates []*models.ConfigInstance
}

func (o *recordingObserver) OnUpdate(instance *models.ConfigInstance) error {
	o.updates = append(o.updates, instance)
	return nil
}

func pstr(s string) *string { return &s }

func defaultSettings() Settings {
	return Settings{MaxAttempts: 5, ExpBackoffBaseSecs: 2, MaxCooldownSecs: 60}
}

func TestDeployNoConflictsWritesFile(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	instance := models.ConfigInstance{
		ID:               "c",
		TargetStatus:     models.TargetDeployed,
		ActivityStatus:   models.ActivityQueued,
		ConfigSchemaID:   "schema-1",
		RelativeFilepath: pstr("nested/config.json"),
		CooldownEndsAt:   models.NoCooldown,
	}
	finder := &fakeFinder{instances: []models.ConfigInstance{instance}}
	content := &fakeContent{data: map[models.ConfigInstanceID][]byte{"c": []byte(`{"speed":4}`)}}
	observer := &recordingObserver{}

	results, err := deployInstance(&instance, finder, content, root, defaultSettings(), []Observer{observer}, now)
	if err != nil {
		t.Fatalf("deployInstance failed: %v", err)
	}
	if len(results.ToDeploy) != 1 || results.ToDeploy[0].ActivityStatus != models.ActivityDeployed {
		t.Fatalf("got %+v, want one deployed instance", results)
	}

	data, err := os.ReadFile(filepath.Join(root, "nested/config.json"))
	if err != nil {
		t.Fatalf("expected materialized file, got error: %v", err)
	}
	if string(data) != `{"speed":4}` {
		t.Errorf("got %q, want the instance's content", data)
	}
	if len(observer.updates) != 1 {
		t.Errorf("got %d observer updates, want 1", len(observer.updates))
	}
}

func TestDeployMissingContentMarksRetrying(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	instance := models.ConfigInstance{
		ID:               "c",
		TargetStatus:     models.TargetDeployed,
		ActivityStatus:   models.ActivityQueued,
		ConfigSchemaID:   "schema-1",
		RelativeFilepath: pstr("config.json"),
		CooldownEndsAt:   models.NoCooldown,
	}
	finder := &fakeFinder{instances: []models.ConfigInstance{instance}}
	content := &fakeContent{data: map[models.ConfigInstanceID][]byte{}}
	observer := &recordingObserver{}

	results, err := deployInstance(&instance, finder, content, root, defaultSettings(), []Observer{observer}, now)
	if err != nil {
		t.Fatalf("deployInstance returned an error instead of a retry state: %v", err)
	}
	if len(results.ToDeploy) != 1 {
		t.Fatalf("got %d results, want 1", len(results.ToDeploy))
	}
	got := results.ToDeploy[0]
	if got.ActivityStatus != models.ActivityRemoved {
		t.Errorf("got activity %s, want removed (never materialized)", got.ActivityStatus)
	}
	if got.ErrorStatus != models.ErrorRetrying {
		t.Errorf("got error status %s, want retrying", got.ErrorStatus)
	}
	if got.Attempts != 1 {
		t.Errorf("got attempts %d, want 1", got.Attempts)
	}
	if _, err := os.Stat(filepath.Join(root, "config.json")); err == nil {
		t.Error("expected no file to be written when content is missing")
	}
}

func TestDeployConflictAtSameSchemaFails(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	deployed := models.ConfigInstance{
		ID:             "b",
		TargetStatus:   models.TargetDeployed,
		ActivityStatus: models.ActivityDeployed,
		ConfigSchemaID: "schema-1",
		CooldownEndsAt: models.NoCooldown,
	}
	incoming := models.ConfigInstance{
		ID:             "c",
		TargetStatus:   models.TargetDeployed,
		ActivityStatus: models.ActivityQueued,
		ConfigSchemaID: "schema-1",
		CooldownEndsAt: models.NoCooldown,
	}
	finder := &fakeFinder{instances: []models.ConfigInstance{deployed, incoming}}
	content := &fakeContent{data: map[models.ConfigInstanceID][]byte{"c": []byte(`{}`)}}
	observer := &recordingObserver{}

	results, err := deployInstance(&incoming, finder, content, root, defaultSettings(), []Observer{observer}, now)
	var conflict *errs.ConflictingDeployments
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want ConflictingDeployments", err)
	}

	if len(results.ToDeploy) != 1 {
		t.Fatalf("got %d results, want 1", len(results.ToDeploy))
	}
	got := results.ToDeploy[0]
	if got.ID != incoming.ID {
		t.Errorf("got instance %s, want the incoming instance %s marked, not the conflicting one", got.ID, incoming.ID)
	}
	if got.ActivityStatus != models.ActivityRemoved {
		t.Errorf("got activity %s, want removed", got.ActivityStatus)
	}
	if got.ErrorStatus != models.ErrorRetrying {
		t.Errorf("got error status %s, want retrying", got.ErrorStatus)
	}
	if got.Attempts != 1 {
		t.Errorf("got attempts %d, want 1", got.Attempts)
	}
	if !got.CooldownEndsAt.After(now) {
		t.Errorf("got cooldown %s, want a cooldown set after %s", got.CooldownEndsAt, now)
	}
	if len(observer.updates) != 1 {
		t.Errorf("got %d observer updates, want 1", len(observer.updates))
	}
	if deployed.ActivityStatus != models.ActivityDeployed {
		t.Errorf("conflicting instance B mutated, want it untouched")
	}
}

func TestDeployReplacesConflictingFileWithRollbackOnMissingContent(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	deployed := models.ConfigInstance{
		ID:               "b",
		TargetStatus:     models.TargetRemoved,
		ActivityStatus:   models.ActivityDeployed,
		ConfigSchemaID:   "schema-1",
		RelativeFilepath: pstr("shared.json"),
		CooldownEndsAt:   models.NoCooldown,
	}
	incoming := models.ConfigInstance{
		ID:               "c",
		TargetStatus:     models.TargetDeployed,
		ActivityStatus:   models.ActivityQueued,
		ConfigSchemaID:   "schema-1",
		RelativeFilepath: pstr("shared.json"),
		CooldownEndsAt:   models.NoCooldown,
	}

	// seed the original file as it stood before this pass
	if err := os.WriteFile(filepath.Join(root, "shared.json"), []byte(`{"original":true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	finder := &fakeFinder{instances: []models.ConfigInstance{deployed, incoming}}
	// C's content is missing entirely; B's content cache entry still holds
	// its original bytes for restoration purposes.
	content := &fakeContent{data: map[models.ConfigInstanceID][]byte{"b": []byte(`{"original":true}`)}}

	results, err := deployInstance(&incoming, finder, content, root, defaultSettings(), nil, now)
	if err != nil {
		t.Fatalf("deployInstance failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "shared.json"))
	if err != nil {
		t.Fatalf("expected B's file to remain present: %v", err)
	}
	if string(data) != `{"original":true}` {
		t.Errorf("got %q, want B's original bytes untouched", data)
	}

	if len(results.ToDeploy) != 1 {
		t.Fatalf("got %d results, want 1", len(results.ToDeploy))
	}
	if results.ToDeploy[0].ActivityStatus != models.ActivityRemoved || results.ToDeploy[0].ErrorStatus != models.ErrorRetrying {
		t.Errorf("got %+v, want C marked removed/retrying", results.ToDeploy[0])
	}
	if results.ToDeploy[0].Attempts != 1 {
		t.Errorf("got attempts %d, want 1", results.ToDeploy[0].Attempts)
	}
}

func TestRemoveCascadesCooldownFromReplacement(t *testing.T) {
	now := time.Now()
	cooldownEnd := now.Add(time.Minute)

	toRemove := models.ConfigInstance{
		ID:             "old",
		TargetStatus:   models.TargetRemoved,
		ActivityStatus: models.ActivityDeployed,
		ConfigSchemaID: "schema-1",
		CooldownEndsAt: models.NoCooldown,
	}
	replacement := models.ConfigInstance{
		ID:             "new",
		TargetStatus:   models.TargetDeployed,
		ActivityStatus: models.ActivityQueued,
		ConfigSchemaID: "schema-1",
		CooldownEndsAt: cooldownEnd,
	}
	finder := &fakeFinder{instances: []models.ConfigInstance{toRemove, replacement}}
	content := &fakeContent{data: map[models.ConfigInstanceID][]byte{}}

	results, err := removeInstance(&toRemove, finder, content, t.TempDir(), defaultSettings(), nil, now)
	if err != nil {
		t.Fatalf("removeInstance failed: %v", err)
	}
	if len(results.ToDeploy) != 1 {
		t.Fatalf("got %d results, want the cascaded instance", len(results.ToDeploy))
	}
	if !results.ToDeploy[0].CooldownEndsAt.Equal(cooldownEnd) {
		t.Errorf("got cooldown %v, want %v", results.ToDeploy[0].CooldownEndsAt, cooldownEnd)
	}
}

func TestApplyTerminatesWhenDeployFails(t *testing.T) {
	now := time.Now()
	// the instance's content is missing, so its deploy fails and leaves it
	// in cooldown; Apply must return rather than keep retrying it.
	instance := models.ConfigInstance{
		ID:             "a",
		TargetStatus:   models.TargetDeployed,
		ActivityStatus: models.ActivityQueued,
		ConfigSchemaID: "schema-1",
		CooldownEndsAt: models.NoCooldown,
	}
	finder := &fakeFinder{instances: []models.ConfigInstance{instance}}
	content := &fakeContent{data: map[models.ConfigInstanceID][]byte{}}

	toApply := map[models.ConfigInstanceID]models.ConfigInstance{"a": instance}
	done := make(chan struct{})
	go func() {
		Apply(toApply, finder, content, t.TempDir(), defaultSettings(), nil, now)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Apply did not terminate after the failed deploy")
	}
}
