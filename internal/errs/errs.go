// Package errs defines the error kinds propagated across the agent's
// layers, per spec §7's error handling design.
package errs

import (
	"errors"
	"fmt"
)

// NotFound indicates a requested cache/file entry does not exist.
type NotFound struct {
	Label string
	Key   string
}

func (e *NotFound) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("%s: not found: %s", e.Label, e.Key)
	}
	return fmt.Sprintf("not found: %s", e.Key)
}

// Duplicate indicates a write without overwrite collided with an existing
// entry.
type Duplicate struct {
	Key string
}

func (e *Duplicate) Error() string {
	return fmt.Sprintf("cache entry already exists for key %q", e.Key)
}

// CorruptEntry indicates an on-disk entry failed to deserialize.
type CorruptEntry struct {
	Key string
	Err error
}

func (e *CorruptEntry) Error() string {
	return fmt.Sprintf("corrupt cache entry %q: %v", e.Key, e.Err)
}

func (e *CorruptEntry) Unwrap() error { return e.Err }

// AmbiguousResult indicates a find_one* query matched more than one entry.
type AmbiguousResult struct {
	Label string
	Count int
}

func (e *AmbiguousResult) Error() string {
	return fmt.Sprintf("%s: expected at most one match, found %d", e.Label, e.Count)
}

// ConflictingDeployments indicates a deploy would replace another instance
// that itself wants to be deployed.
type ConflictingDeployments struct {
	InstanceID  string
	ConflictIDs []string
}

func (e *ConflictingDeployments) Error() string {
	return fmt.Sprintf("instance %s conflicts with deployed instances wanting deployment: %v", e.InstanceID, e.ConflictIDs)
}

// InstanceNotDeployable indicates an internal invariant violation: a caller
// asked to deploy/remove an instance the FSM doesn't think is actionable.
type InstanceNotDeployable struct {
	InstanceID string
	NextAction string
}

func (e *InstanceNotDeployable) Error() string {
	return fmt.Sprintf("instance %s is not deployable (next action: %s)", e.InstanceID, e.NextAction)
}

// InCooldown is a structured refusal, not an operational error.
type InCooldown struct {
	EndsAtUnix int64
}

func (e *InCooldown) Error() string {
	return fmt.Sprintf("in cooldown until unix time %d", e.EndsAtUnix)
}

// SendActorMessage indicates the actor's command channel rejected a send
// (the actor has shut down).
type SendActorMessage struct {
	Err error
}

func (e *SendActorMessage) Error() string { return fmt.Sprintf("send to actor failed: %v", e.Err) }
func (e *SendActorMessage) Unwrap() error { return e.Err }

// ReceiveActorMessage indicates the actor's reply channel closed without a
// response (the actor crashed or shut down mid-request).
type ReceiveActorMessage struct {
	Err error
}

func (e *ReceiveActorMessage) Error() string {
	return fmt.Sprintf("receive from actor failed: %v", e.Err)
}
func (e *ReceiveActorMessage) Unwrap() error { return e.Err }

// NetworkConnection wraps a recoverable transport-level failure: it does
// not count against FSM retry attempts or syncer error-streak severity the
// way a status-code or decode failure does.
type NetworkConnection struct {
	Err error
}

func (e *NetworkConnection) Error() string { return fmt.Sprintf("network connection error: %v", e.Err) }
func (e *NetworkConnection) Unwrap() error { return e.Err }

// IsNetworkConnectionError reports whether err is, or wraps, a
// NetworkConnection error.
func IsNetworkConnectionError(err error) bool {
	var nc *NetworkConnection
	return errors.As(err, &nc)
}

// HTTPStatus wraps a non-2xx response from the backend: a status-code
// failure, distinct from a NetworkConnection failure, so FSM attempts and
// syncer error-streak severity treat it as a real failure rather than a
// recoverable transport hiccup.
type HTTPStatus struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatus) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// Decode indicates a backend response body failed to deserialize.
type Decode struct {
	Err error
}

func (e *Decode) Error() string { return fmt.Sprintf("decode backend response: %v", e.Err) }
func (e *Decode) Unwrap() error { return e.Err }

// ConfigSchemaNotFound indicates get_deployed's schema lookup found no
// schema for the requested (type slug, digest) pair, neither in the local
// cache nor on the backend.
type ConfigSchemaNotFound struct {
	ConfigTypeSlug string
	Digest         string
}

func (e *ConfigSchemaNotFound) Error() string {
	return fmt.Sprintf("config schema not found: type %q digest %q", e.ConfigTypeSlug, e.Digest)
}

// DeployedInstanceNotFound indicates get_deployed found a schema but no
// locally-deployed instance of it, even after a retry following a sync
// pass.
type DeployedInstanceNotFound struct {
	DeviceID       string
	ConfigSchemaID string
}

func (e *DeployedInstanceNotFound) Error() string {
	return fmt.Sprintf("no deployed instance of schema %q for device %q", e.ConfigSchemaID, e.DeviceID)
}

// ShutdownMngrDuplicateArg is a fatal startup error: the same lifecycle
// handle was registered twice.
type ShutdownMngrDuplicateArg struct {
	Name string
}

func (e *ShutdownMngrDuplicateArg) Error() string {
	return fmt.Sprintf("lifecycle handle %q registered more than once", e.Name)
}
