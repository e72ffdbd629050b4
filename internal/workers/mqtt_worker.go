package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cuemby/agent/internal/auth"
	"github.com/cuemby/agent/internal/deploy"
	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/log"
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/mqtt"
	"github.com/rs/zerolog"
)

// DeviceRecord is the subset of *storage.CachedFile[models.Device] the MQTT
// worker needs, to flip online/offline status on connect/disconnect.
type DeviceRecord interface {
	Patch(apply func(*models.Device)) error
}

type syncTopicPayload struct {
	IsSynced bool `json:"is_synced"`
}

type pingPayload struct {
	MessageID string `json:"message_id"`
}

// MQTTWorker connects to the broker with the device's session credentials,
// subscribes to its sync/ping topics, and dispatches messages to the
// syncer and device record.
type MQTTWorker struct {
	client    mqtt.Client
	syncer    Syncer
	tokens    *auth.TokenManager
	device    DeviceRecord
	sessionID string
	deviceID  string
	reconnect deploy.Settings

	connected atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewMQTTWorker constructs an MQTTWorker. Call Start to connect and begin
// dispatching.
func NewMQTTWorker(client mqtt.Client, syncer Syncer, tokens *auth.TokenManager, device DeviceRecord, deviceID, sessionID string, reconnect deploy.Settings) *MQTTWorker {
	return &MQTTWorker{
		client:    client,
		syncer:    syncer,
		tokens:    tokens,
		device:    device,
		deviceID:  deviceID,
		sessionID: sessionID,
		reconnect: reconnect,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    log.WithComponent("mqtt-worker"),
	}
}

// Start connects to the broker and begins dispatching in a new goroutine.
func (w *MQTTWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop disconnects and waits for the worker's goroutine to exit.
func (w *MQTTWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Connected reports whether the broker connection is currently up.
func (w *MQTTWorker) Connected() bool {
	return w.connected.Load()
}

func (w *MQTTWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	var attempt uint32
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connectAndServe(ctx); err != nil {
			var authErr *mqtt.AuthenticationError
			if errors.As(err, &authErr) {
				w.logger.Warn().Err(err).Msg("mqtt authentication failed, refreshing token")
				if rerr := w.tokens.RefreshToken(ctx); rerr != nil {
					w.logger.Error().Err(rerr).Msg("token refresh failed after mqtt auth error")
				}
				continue
			}
			if !errs.IsNetworkConnectionError(err) {
				attempt++
			}
			backoffSecs := deploy.CalcExpBackoff(w.reconnect.ExpBackoffBaseSecs, 2, attempt, w.reconnect.MaxCooldownSecs)
			w.logger.Warn().Err(err).Uint64("backoff_secs", backoffSecs).Msg("mqtt connection lost, reconnecting")
			select {
			case <-time.After(time.Duration(backoffSecs) * time.Second):
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0
	}
}

// connectAndServe connects once, subscribes, and blocks until shutdown is
// requested or the context is cancelled. Connect/disconnect transitions
// reported on stateCh are recorded on the device record without ending the
// call.
func (w *MQTTWorker) connectAndServe(ctx context.Context) error {
	token := w.tokens.GetToken()
	stateCh := make(chan mqtt.ConnectionState, 4)

	if err := w.client.Connect(ctx, mqtt.Credentials{SessionID: w.sessionID, Token: token.Token}, stateCh); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer func() {
		if err := w.client.Disconnect(ctx); err != nil {
			w.logger.Debug().Err(err).Msg("mqtt disconnect returned an error")
		}
	}()

	if err := w.client.Subscribe(ctx, deviceTopic(w.deviceID, "sync"), w.handleSync(ctx)); err != nil {
		return fmt.Errorf("mqtt subscribe sync: %w", err)
	}
	if err := w.client.Subscribe(ctx, deviceTopic(w.deviceID, "ping"), w.handlePing(ctx)); err != nil {
		return fmt.Errorf("mqtt subscribe ping: %w", err)
	}

	for {
		select {
		case state := <-stateCh:
			w.handleState(state)
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *MQTTWorker) handleState(state mqtt.ConnectionState) {
	now := time.Now()
	switch state {
	case mqtt.StateConnected:
		w.connected.Store(true)
		if err := w.device.Patch(func(d *models.Device) { d.Status = models.DeviceOnline }); err != nil {
			w.logger.Error().Err(err).Msg("failed to record device online")
		}
	case mqtt.StateDisconnected:
		w.connected.Store(false)
		if err := w.device.Patch(func(d *models.Device) {
			d.Status = models.DeviceOffline
			d.LastDisconnectedAt = now
		}); err != nil {
			w.logger.Error().Err(err).Msg("failed to record device offline")
		}
	}
}

func (w *MQTTWorker) handleSync(ctx context.Context) func(mqtt.Message) {
	return func(msg mqtt.Message) {
		var payload syncTopicPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			w.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("malformed sync message")
			return
		}
		if payload.IsSynced {
			return
		}
		if err := w.syncer.SyncIfNotInCooldown(ctx); err != nil {
			w.logger.Debug().Err(err).Msg("mqtt-triggered sync did not run")
		}
	}
}

func (w *MQTTWorker) handlePing(ctx context.Context) func(mqtt.Message) {
	return func(msg mqtt.Message) {
		var payload pingPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			w.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("malformed ping message")
			return
		}
		pong, err := json.Marshal(payload)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to marshal pong payload")
			return
		}
		if err := w.client.Publish(ctx, deviceTopic(w.deviceID, "pong"), pong); err != nil {
			w.logger.Warn().Err(err).Msg("failed to publish pong")
		}
	}
}

func deviceTopic(deviceID, suffix string) string {
	return fmt.Sprintf("devices/%s/%s", deviceID, suffix)
}
