package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/agent/internal/auth"
	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/deploy"
	"github.com/cuemby/agent/internal/filesys"
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/mqtt"
	"github.com/cuemby/agent/internal/storage"
	syncpkg "github.com/cuemby/agent/internal/sync"
	"github.com/cuemby/agent/internal/workers"
)

// CacheCapacities sets the per-cache prune threshold (storage.cache_capacities.*
// from spec.md §6).
type CacheCapacities struct {
	ConfigInstancesMaxSize       int
	ConfigInstanceContentMaxSize int
	ConfigSchemasMaxSize         int
	ConfigSchemaDigestMaxSize    int
}

// Settings is everything Bootstrap needs to wire the agent's subsystems
// together. MQTT may be left nil to run poll-only (e.g. in tests or
// environments without a broker).
type Settings struct {
	DeviceID  string
	SessionID string
	RootDir   string

	Backend backend.Client
	MQTT    mqtt.Client

	CacheCapacities  CacheCapacities
	CacheMaintenance workers.CacheMaintenanceSettings
	FSM              deploy.Settings
	SyncCooldown     syncpkg.CooldownSettings

	PollInterval     time.Duration
	PollErrorBackoff deploy.Settings
	MQTTReconnect    deploy.Settings
	TokenRefresh     workers.TokenRefreshSettings
	Supervisor       SupervisorSettings
	MaxShutdownDelay time.Duration
}

// App holds every subsystem Bootstrap constructed, ready for Start.
type App struct {
	Lifecycle  *Lifecycle
	Supervisor *Supervisor

	Metadata      *storage.Cache[models.ConfigInstanceID, models.ConfigInstance]
	Content       *storage.Cache[models.ConfigInstanceID, json.RawMessage]
	Schemas       *storage.Cache[string, models.ConfigSchema]
	SchemaDigests *storage.Cache[models.SchemaDigestKey, string]

	TokenManager *auth.TokenManager
	DeviceFile   *storage.CachedFile[models.Device]
	Syncer       *syncpkg.Syncer

	PollWorker             *workers.PollWorker
	MQTTWorker             *workers.MQTTWorker
	TokenRefreshWorker     *workers.TokenRefreshWorker
	CacheMaintenanceWorker *workers.CacheMaintenanceWorker

	settings Settings
}

// Bootstrap constructs every subsystem in the dependency order spec.md
// §4.10 prescribes (caches, token file, token manager, syncer, workers),
// registering each with the Lifecycle as it goes so Shutdown tears them
// down in reverse. The socket server is not built here: it depends on the
// caches and syncer this returns, so the caller constructs and registers
// it after Bootstrap returns.
func Bootstrap(settings Settings) (*App, error) {
	lifecycle := NewLifecycle()

	metadata, content, schemas, schemaDigests, err := bootstrapCaches(settings, lifecycle)
	if err != nil {
		return nil, err
	}

	tokenFile, privateKeyPath, err := bootstrapTokenFile(settings, lifecycle)
	if err != nil {
		return nil, err
	}

	tokenManager, err := auth.NewTokenManager(settings.DeviceID, settings.Backend, tokenFile, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: token manager: %w", err)
	}
	if err := lifecycle.Register("token_manager", HandleFunc(func(context.Context) error {
		return tokenManager.Shutdown()
	})); err != nil {
		return nil, err
	}

	deviceFile, err := storage.NewCachedFileWithDefault(
		filepath.Join(settings.RootDir, "device.json"),
		models.Device{ID: settings.DeviceID, SessionID: settings.SessionID},
	)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: device file: %w", err)
	}
	if err := lifecycle.Register("device_file", HandleFunc(func(context.Context) error {
		return deviceFile.Shutdown()
	})); err != nil {
		return nil, err
	}

	observers := []deploy.Observer{&deploy.StorageObserver{Cache: metadata}}
	syncer := syncpkg.NewSyncer(settings.Backend, settings.DeviceID, tokenManager, metadata, content, observers, syncpkg.Settings{
		DeploymentRoot: filepath.Join(settings.RootDir, "deployments"),
		FSM:            settings.FSM,
		Cooldown:       settings.SyncCooldown,
	})
	if err := lifecycle.Register("syncer", HandleFunc(func(context.Context) error {
		syncer.Shutdown()
		return nil
	})); err != nil {
		return nil, err
	}

	pollWorker := workers.NewPollWorker(syncer, workers.PollSettings{
		PollInterval: settings.PollInterval,
		ErrorBackoff: settings.PollErrorBackoff,
	})
	if err := lifecycle.Register("poll_worker", stopHandle{pollWorker}); err != nil {
		return nil, err
	}

	var mqttWorker *workers.MQTTWorker
	if settings.MQTT != nil {
		mqttWorker = workers.NewMQTTWorker(settings.MQTT, syncer, tokenManager, deviceFile, settings.DeviceID, settings.SessionID, settings.MQTTReconnect)
		if err := lifecycle.Register("mqtt_worker", stopHandle{mqttWorker}); err != nil {
			return nil, err
		}
	}

	tokenRefreshWorker := workers.NewTokenRefreshWorker(tokenManager, settings.TokenRefresh)
	if err := lifecycle.Register("token_refresh_worker", stopHandle{tokenRefreshWorker}); err != nil {
		return nil, err
	}

	cacheMaintenance := workers.NewCacheMaintenanceWorker(settings.CacheMaintenance)
	cacheMaintenance.Register("config_instances", metadata, settings.CacheCapacities.ConfigInstancesMaxSize)
	cacheMaintenance.Register("config_instance_content", content, settings.CacheCapacities.ConfigInstanceContentMaxSize)
	cacheMaintenance.Register("config_schemas", schemas, settings.CacheCapacities.ConfigSchemasMaxSize)
	cacheMaintenance.Register("config_schema_digest", schemaDigests, settings.CacheCapacities.ConfigSchemaDigestMaxSize)
	if err := lifecycle.Register("cache_maintenance_worker", stopHandle{cacheMaintenance}); err != nil {
		return nil, err
	}

	supervisor := NewSupervisor(settings.Supervisor)

	return &App{
		Lifecycle:              lifecycle,
		Supervisor:             supervisor,
		Metadata:               metadata,
		Content:                content,
		Schemas:                schemas,
		SchemaDigests:          schemaDigests,
		TokenManager:           tokenManager,
		DeviceFile:             deviceFile,
		Syncer:                 syncer,
		PollWorker:             pollWorker,
		MQTTWorker:             mqttWorker,
		TokenRefreshWorker:     tokenRefreshWorker,
		CacheMaintenanceWorker: cacheMaintenance,
		settings:               settings,
	}, nil
}

func bootstrapCaches(settings Settings, lifecycle *Lifecycle) (
	*storage.Cache[models.ConfigInstanceID, models.ConfigInstance],
	*storage.Cache[models.ConfigInstanceID, json.RawMessage],
	*storage.Cache[string, models.ConfigSchema],
	*storage.Cache[models.SchemaDigestKey, string],
	error,
) {
	cachesRoot := filepath.Join(settings.RootDir, "caches")
	instancesDir := filepath.Join(cachesRoot, "config_instances")
	contentDir := filepath.Join(cachesRoot, "config_instance_content")
	schemasDir := filepath.Join(cachesRoot, "config_schemas")
	schemaDigestDir := filepath.Join(cachesRoot, "config_schema_digest")
	for _, dir := range []string{instancesDir, contentDir, schemasDir, schemaDigestDir} {
		if err := filesys.EnsureDir(dir); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("bootstrap: ensure cache dir %s: %w", dir, err)
		}
	}

	metadata := storage.NewCache[models.ConfigInstanceID, models.ConfigInstance](instancesDir, instanceIDToFilename, "config_instances")
	if err := lifecycle.Register("config_instances_cache", HandleFunc(func(context.Context) error { return metadata.Shutdown() })); err != nil {
		return nil, nil, nil, nil, err
	}

	content := storage.NewCache[models.ConfigInstanceID, json.RawMessage](contentDir, instanceIDToFilename, "config_instance_content")
	if err := lifecycle.Register("config_instance_content_cache", HandleFunc(func(context.Context) error { return content.Shutdown() })); err != nil {
		return nil, nil, nil, nil, err
	}

	schemas := storage.NewCache[string, models.ConfigSchema](schemasDir, filesys.SanitizeFilename, "config_schemas")
	if err := lifecycle.Register("config_schemas_cache", HandleFunc(func(context.Context) error { return schemas.Shutdown() })); err != nil {
		return nil, nil, nil, nil, err
	}

	schemaDigests := storage.NewCache[models.SchemaDigestKey, string](schemaDigestDir, schemaDigestKeyToFilename, "config_schema_digest")
	if err := lifecycle.Register("config_schema_digest_cache", HandleFunc(func(context.Context) error { return schemaDigests.Shutdown() })); err != nil {
		return nil, nil, nil, nil, err
	}

	return metadata, content, schemas, schemaDigests, nil
}

func instanceIDToFilename(id models.ConfigInstanceID) string {
	return filesys.SanitizeFilename(id.String())
}

func schemaDigestKeyToFilename(key models.SchemaDigestKey) string {
	return filesys.SanitizeFilename(key.String())
}

// bootstrapTokenFile constructs the on-disk token actor. Its Shutdown is not
// registered here: the token file is owned exclusively by the token-manager
// actor built from it, so "token_manager" is the lifecycle entry that tears
// it down.
func bootstrapTokenFile(settings Settings, lifecycle *Lifecycle) (*auth.TokenFile, string, error) {
	authDir := filepath.Join(settings.RootDir, "auth")
	if err := filesys.EnsureDir(authDir); err != nil {
		return nil, "", fmt.Errorf("bootstrap: ensure auth dir %s: %w", authDir, err)
	}

	tokenPath := filepath.Join(authDir, "token.json")
	tokenFile, err := auth.CreateTokenFile(tokenPath)
	if err != nil {
		return nil, "", fmt.Errorf("bootstrap: token file: %w", err)
	}

	return tokenFile, filepath.Join(authDir, "private_key.pem"), nil
}

// Start begins every background worker and the supervisor. Caches, the
// token manager, and the syncer need no explicit start: they are ready the
// moment Bootstrap constructs them.
func (a *App) Start(ctx context.Context) {
	a.PollWorker.Start(ctx)
	if a.MQTTWorker != nil {
		a.MQTTWorker.Start(ctx)
	}
	a.TokenRefreshWorker.Start(ctx)
	a.CacheMaintenanceWorker.Start(ctx)
	a.Supervisor.Start()
}

// Shutdown tears down every registered subsystem in reverse dependency
// order, bounded by max_shutdown_delay.
func (a *App) Shutdown() error {
	a.Supervisor.Stop()
	maxDelay := a.settings.MaxShutdownDelay
	if maxDelay <= 0 {
		maxDelay = 15 * time.Second
	}
	return a.Lifecycle.Shutdown(maxDelay)
}

// stopper is the common shape of the background workers' synchronous Stop
// method.
type stopper interface {
	Stop()
}

// stopHandle adapts a worker's blocking Stop() to the Handle interface.
type stopHandle struct{ w stopper }

func (h stopHandle) Shutdown(context.Context) error {
	h.w.Stop()
	return nil
}
