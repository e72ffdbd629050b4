package models

import "time"

// ConfigInstanceID identifies a config instance, the unit of reconciliation.
type ConfigInstanceID string

func (id ConfigInstanceID) String() string { return string(id) }

// ConfigInstance is the unit of reconciliation between the backend's
// declared intent and the device's observed deployment progress.
type ConfigInstance struct {
	ID ConfigInstanceID `json:"id"`

	TargetStatus   TargetStatus   `json:"target_status"`
	ActivityStatus ActivityStatus `json:"activity_status"`
	ErrorStatus    ErrorStatus    `json:"error_status"`

	RelativeFilepath *string `json:"relative_filepath,omitempty"`

	ConfigSchemaID string  `json:"config_schema_id"`
	ConfigTypeID   string  `json:"config_type_id"`
	DeviceID       string  `json:"device_id"`
	PatchID        *string `json:"patch_id,omitempty"`

	Attempts       uint32    `json:"attempts"`
	CooldownEndsAt time.Time `json:"cooldown_ends_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NoCooldown is the sentinel UNIX-epoch value meaning "not in cooldown".
var NoCooldown = time.Unix(0, 0).UTC()

// IsInCooldown reports whether the instance is presently suppressed by a
// cooldown window relative to now.
func (c *ConfigInstance) IsInCooldown(now time.Time) bool {
	return c.CooldownEndsAt.After(now)
}

// Cooldown returns the remaining cooldown duration relative to now, or zero
// if not in cooldown.
func (c *ConfigInstance) Cooldown(now time.Time) time.Duration {
	if !c.IsInCooldown(now) {
		return 0
	}
	return c.CooldownEndsAt.Sub(now)
}

// SetCooldown sets the instance's cooldown to end at the given absolute time.
func (c *ConfigInstance) SetCooldown(endsAt time.Time) {
	c.CooldownEndsAt = endsAt
}

// ClearCooldown removes any active cooldown.
func (c *ConfigInstance) ClearCooldown() {
	c.CooldownEndsAt = NoCooldown
}

// DerivedStatus computes the externally-reported status: error dominates,
// otherwise activity is reported directly.
func (c *ConfigInstance) DerivedStatus() DerivedStatus {
	switch c.ErrorStatus {
	case ErrorFailed:
		return DerivedFailed
	case ErrorRetrying:
		return DerivedRetrying
	}
	switch c.ActivityStatus {
	case ActivityCreated:
		return DerivedCreated
	case ActivityQueued:
		return DerivedQueued
	case ActivityDeployed:
		return DerivedDeployed
	case ActivityRemoved:
		return DerivedRemoved
	default:
		return DerivedCreated
	}
}

// Clone returns a deep-enough copy of the instance for safe mutation by
// callers that must not alias the original (the FSM never mutates in
// place).
func (c *ConfigInstance) Clone() *ConfigInstance {
	clone := *c
	if c.RelativeFilepath != nil {
		p := *c.RelativeFilepath
		clone.RelativeFilepath = &p
	}
	if c.PatchID != nil {
		p := *c.PatchID
		clone.PatchID = &p
	}
	return &clone
}

// ConfigSchema is the cached schema metadata used to look up deployed
// instances by (type slug, digest).
type ConfigSchema struct {
	ID             string `json:"id"`
	Version        int    `json:"version"`
	Digest         string `json:"digest"`
	ConfigTypeID   string `json:"config_type_id"`
	ConfigTypeSlug string `json:"config_type_slug"`
}

// SchemaDigestKey is the cache key used by the schema-digest lookup cache.
type SchemaDigestKey struct {
	ConfigTypeSlug string `json:"config_type_slug"`
	Digest         string `json:"digest"`
}

func (k SchemaDigestKey) String() string {
	return k.ConfigTypeSlug + ":" + k.Digest
}
