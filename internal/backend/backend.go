// Package backend declares the HTTP contract the agent depends on. The
// concrete client (retries, TLS, connection pooling) is an external
// collaborator supplied by the embedding application; this package only
// describes the shape the rest of the agent programs against.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/agent/internal/models"
)

// BackendInstance is the wire shape of a config instance as the backend
// reports it: target status and content are server-owned; everything the
// device owns locally (activity, error, attempts) is absent here.
type BackendInstance struct {
	ID               models.ConfigInstanceID `json:"id"`
	TargetStatus     models.TargetStatus     `json:"target_status"`
	RelativeFilepath *string                 `json:"relative_filepath,omitempty"`
	ConfigSchemaID   string                  `json:"config_schema_id"`
	ConfigTypeID     string                  `json:"config_type_id"`
	DeviceID         string                  `json:"device_id"`
	PatchID          *string                 `json:"patch_id,omitempty"`
	Content          json.RawMessage         `json:"content,omitempty"`
}

// IssuedToken is the response body of the device-token endpoint.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConfigSchema mirrors models.ConfigSchema over the wire.
type ConfigSchema struct {
	ID             string `json:"id"`
	Version        int    `json:"version"`
	Digest         string `json:"digest"`
	ConfigTypeID   string `json:"config_type_id"`
	ConfigTypeSlug string `json:"config_type_slug"`
}

// InstanceUpdate is the body of a push PATCH: the device only ever reports
// back its own progress fields.
type InstanceUpdate struct {
	ActivityStatus models.ActivityStatus `json:"activity_status"`
	ErrorStatus    models.ErrorStatus    `json:"error_status"`
}

// Client is the HTTP surface the syncer, apply engine, and token manager
// depend on. A concrete implementation (retry policy, TLS, auth headers) is
// supplied by the embedding application.
type Client interface {
	// IssueDeviceToken exchanges a signed claim for a bearer token.
	IssueDeviceToken(ctx context.Context, deviceID string, claims []byte, signature string) (IssuedToken, error)

	// ListConfigInstances returns every instance the backend has declared
	// for deviceID.
	ListConfigInstances(ctx context.Context, deviceID string) ([]BackendInstance, error)

	// UpdateConfigInstance pushes the device's locally-observed progress for
	// instanceID.
	UpdateConfigInstance(ctx context.Context, instanceID models.ConfigInstanceID, update InstanceUpdate) error

	// FindConfigSchema resolves a schema by its (type slug, digest) pair.
	FindConfigSchema(ctx context.Context, typeSlug, digest string) (ConfigSchema, error)
}
