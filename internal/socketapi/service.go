// Package socketapi implements get_deployed, the one read endpoint local
// clients use to ask the agent what is currently deployed for a config
// schema. The transport that carries requests to it (a Unix-domain socket
// listener) is a thin wrapper in server.go; this file is the logic a
// transport-agnostic caller, including a test, can drive directly.
package socketapi

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/storage"
)

// Syncer is the subset of *sync.Syncer get_deployed depends on.
type Syncer interface {
	SyncIfNotInCooldown(ctx context.Context) error
}

// SchemaCache is the subset of *storage.Cache[string, models.ConfigSchema]
// the service depends on.
type SchemaCache interface {
	ReadOptional(id string) (*models.ConfigSchema, error)
	Write(id string, value models.ConfigSchema, isDirty storage.IsDirtyFunc[string, models.ConfigSchema], overwrite bool) error
}

// SchemaDigestCache is the subset of
// *storage.Cache[models.SchemaDigestKey, string] the service depends on.
type SchemaDigestCache interface {
	ReadOptional(key models.SchemaDigestKey) (*string, error)
	Write(key models.SchemaDigestKey, value string, isDirty storage.IsDirtyFunc[models.SchemaDigestKey, string], overwrite bool) error
}

// InstanceCache is the subset of
// *storage.Cache[models.ConfigInstanceID, models.ConfigInstance] the
// service depends on.
type InstanceCache interface {
	FindOneOptional(filterName string, filter func(models.ConfigInstance) bool) (*models.ConfigInstance, error)
}

// ContentCache is the subset of
// *storage.Cache[models.ConfigInstanceID, json.RawMessage] the service
// depends on.
type ContentCache interface {
	ReadOptional(id models.ConfigInstanceID) (*json.RawMessage, error)
}

func neverDirty[K comparable, V any](_ *storage.CacheEntry[K, V], _ V) bool { return false }

// Deployed is the merged content-plus-metadata result get_deployed returns.
type Deployed struct {
	Instance models.ConfigInstance `json:"instance"`
	Content  json.RawMessage       `json:"content"`
}

// Service implements get_deployed against the agent's local caches,
// falling back to the backend for a schema it hasn't seen yet and
// triggering a sync pass when the caller asks for an instance the device
// doesn't yet know about.
type Service struct {
	Backend       backend.Client
	Syncer        Syncer
	Schemas       SchemaCache
	SchemaDigests SchemaDigestCache
	Instances     InstanceCache
	Content       ContentCache
}

// GetDeployed resolves the schema for (configTypeSlug, digest), finds the
// instance of it deployed for deviceID, and returns its content merged
// with its metadata. If no instance is deployed locally, it triggers one
// sync pass and retries once before giving up.
func (s *Service) GetDeployed(ctx context.Context, deviceID, configTypeSlug, digest string) (*Deployed, error) {
	schema, err := s.resolveSchema(ctx, configTypeSlug, digest)
	if err != nil {
		return nil, err
	}

	instance, err := s.findDeployedInstance(deviceID, schema.ID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		if syncErr := s.Syncer.SyncIfNotInCooldown(ctx); syncErr != nil {
			var inCooldown *errs.InCooldown
			if !errors.As(syncErr, &inCooldown) {
				return nil, syncErr
			}
		}
		instance, err = s.findDeployedInstance(deviceID, schema.ID)
		if err != nil {
			return nil, err
		}
	}
	if instance == nil {
		return nil, &errs.DeployedInstanceNotFound{DeviceID: deviceID, ConfigSchemaID: schema.ID}
	}

	content, err := s.Content.ReadOptional(instance.ID)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if content != nil {
		raw = *content
	}

	return &Deployed{Instance: *instance, Content: raw}, nil
}

func (s *Service) resolveSchema(ctx context.Context, configTypeSlug, digest string) (*models.ConfigSchema, error) {
	key := models.SchemaDigestKey{ConfigTypeSlug: configTypeSlug, Digest: digest}

	schemaID, err := s.SchemaDigests.ReadOptional(key)
	if err != nil {
		return nil, err
	}
	if schemaID != nil {
		schema, err := s.Schemas.ReadOptional(*schemaID)
		if err != nil {
			return nil, err
		}
		if schema != nil {
			return schema, nil
		}
	}

	remote, err := s.Backend.FindConfigSchema(ctx, configTypeSlug, digest)
	if err != nil {
		// The backend surfaces a missing schema as *errs.ConfigSchemaNotFound
		// directly (spec's HTTP{..., ConfigSchemaNotFound} error kind); any
		// other error (network, status, decode) propagates unchanged.
		return nil, err
	}

	schema := models.ConfigSchema{
		ID:             remote.ID,
		Version:        remote.Version,
		Digest:         remote.Digest,
		ConfigTypeID:   remote.ConfigTypeID,
		ConfigTypeSlug: remote.ConfigTypeSlug,
	}
	if err := s.Schemas.Write(schema.ID, schema, neverDirty[string, models.ConfigSchema], true); err != nil {
		return nil, err
	}
	if err := s.SchemaDigests.Write(key, schema.ID, neverDirty[models.SchemaDigestKey, string], true); err != nil {
		return nil, err
	}
	return &schema, nil
}

func (s *Service) findDeployedInstance(deviceID, configSchemaID string) (*models.ConfigInstance, error) {
	return s.Instances.FindOneOptional("deployed_instance_by_schema", func(instance models.ConfigInstance) bool {
		return instance.DeviceID == deviceID &&
			instance.ConfigSchemaID == configSchemaID &&
			instance.ActivityStatus == models.ActivityDeployed
	})
}
