// Package models defines the shared data types reconciled between the
// backend and the local device: configuration instances, schemas, tokens
// and the device record.
package models

import (
	"encoding/json"

	"github.com/cuemby/agent/internal/log"
)

// TargetStatus is the backend-declared intent for a config instance.
type TargetStatus string

const (
	TargetCreated  TargetStatus = "created"
	TargetDeployed TargetStatus = "deployed"
	TargetRemoved  TargetStatus = "removed"
)

// UnmarshalJSON falls back to TargetCreated on an unrecognized value so that
// a server that introduces a new variant doesn't break an older agent.
func (s *TargetStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch TargetStatus(raw) {
	case TargetCreated, TargetDeployed, TargetRemoved:
		*s = TargetStatus(raw)
	default:
		log.WithComponent("models").Warn().Str("value", raw).Msg("unknown target status, defaulting to created")
		*s = TargetCreated
	}
	return nil
}

// ActivityStatus is the locally-observed deployment progress of an instance.
type ActivityStatus string

const (
	ActivityCreated  ActivityStatus = "created"
	ActivityQueued   ActivityStatus = "queued"
	ActivityDeployed ActivityStatus = "deployed"
	ActivityRemoved  ActivityStatus = "removed"
)

func (s *ActivityStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch ActivityStatus(raw) {
	case ActivityCreated, ActivityQueued, ActivityDeployed, ActivityRemoved:
		*s = ActivityStatus(raw)
	default:
		log.WithComponent("models").Warn().Str("value", raw).Msg("unknown activity status, defaulting to created")
		*s = ActivityCreated
	}
	return nil
}

// ErrorStatus is the health of an instance's reconciliation attempts.
type ErrorStatus string

const (
	ErrorNone     ErrorStatus = "none"
	ErrorRetrying ErrorStatus = "retrying"
	ErrorFailed   ErrorStatus = "failed"
)

func (s *ErrorStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch ErrorStatus(raw) {
	case ErrorNone, ErrorRetrying, ErrorFailed:
		*s = ErrorStatus(raw)
	default:
		log.WithComponent("models").Warn().Str("value", raw).Msg("unknown error status, defaulting to none")
		*s = ErrorNone
	}
	return nil
}

// DeviceStatus is the connectivity state of the device record.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

func (s *DeviceStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch DeviceStatus(raw) {
	case DeviceOnline, DeviceOffline:
		*s = DeviceStatus(raw)
	default:
		log.WithComponent("models").Warn().Str("value", raw).Msg("unknown device status, defaulting to offline")
		*s = DeviceOffline
	}
	return nil
}

// DerivedStatus is what's reported externally: error dominates activity.
type DerivedStatus string

const (
	DerivedCreated  DerivedStatus = "created"
	DerivedQueued   DerivedStatus = "queued"
	DerivedDeployed DerivedStatus = "deployed"
	DerivedRemoved  DerivedStatus = "removed"
	DerivedRetrying DerivedStatus = "retrying"
	DerivedFailed   DerivedStatus = "failed"
)
