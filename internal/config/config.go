// Package config loads the agent's YAML configuration file, merging it
// over built-in defaults, and translates it into the settings types each
// subsystem (internal/app, internal/deploy, internal/sync,
// internal/workers) actually takes as input.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/agent/internal/app"
	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/deploy"
	"github.com/cuemby/agent/internal/mqtt"
	syncpkg "github.com/cuemby/agent/internal/sync"
	"github.com/cuemby/agent/internal/workers"
)

// Config is the root of the agent's on-disk YAML configuration, covering
// every recognized key from spec.md §6.
type Config struct {
	DeviceID       string `yaml:"device_id"`
	SessionID      string `yaml:"session_id"`
	RootDir        string `yaml:"root_dir"`
	BackendBaseURL string `yaml:"backend_base_url"`
	MQTTBrokerURL  string `yaml:"mqtt_broker_url"`

	Lifecycle         LifecycleConfig         `yaml:"lifecycle"`
	Storage           StorageConfig           `yaml:"storage"`
	FSM               FSMConfig               `yaml:"fsm"`
	SyncCooldown      SyncCooldownConfig      `yaml:"sync_cooldown"`
	TokenRefresh      TokenRefreshConfig      `yaml:"token_refresh"`
	BackendSyncWorker BackendSyncWorkerConfig `yaml:"backend_sync_worker"`
	MQTTReconnect     MQTTReconnectConfig     `yaml:"mqtt_reconnect"`
	Logging           LoggingConfig           `yaml:"logging"`
	Metrics           MetricsConfig           `yaml:"metrics"`
	SocketAPI         SocketAPIConfig         `yaml:"socket_api"`
}

// LifecycleConfig governs init/teardown ordering and non-persistent
// self-shutdown (spec.md §4.10, §6).
type LifecycleConfig struct {
	IsPersistent            bool          `yaml:"is_persistent"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	IdleTimeoutPollInterval time.Duration `yaml:"idle_timeout_poll_interval"`
	MaxRuntime              time.Duration `yaml:"max_runtime"`
	MaxShutdownDelay        time.Duration `yaml:"max_shutdown_delay"`
}

// StorageConfig governs per-cache prune thresholds and maintenance cadence.
type StorageConfig struct {
	CacheCapacities          CacheCapacitiesConfig `yaml:"cache_capacities"`
	CacheMaintenanceInterval time.Duration         `yaml:"cache_maintenance_interval"`
}

// CacheCapacitiesConfig is storage.cache_capacities.*_max_size.
type CacheCapacitiesConfig struct {
	ConfigInstancesMaxSize       int `yaml:"config_instances_max_size"`
	ConfigInstanceContentMaxSize int `yaml:"config_instance_content_max_size"`
	ConfigSchemasMaxSize         int `yaml:"config_schemas_max_size"`
	ConfigSchemaDigestMaxSize    int `yaml:"config_schema_digest_max_size"`
}

// FSMConfig is fsm.*.
type FSMConfig struct {
	MaxAttempts        uint32 `yaml:"max_attempts"`
	ExpBackoffBaseSecs uint64 `yaml:"exp_backoff_base_secs"`
	MaxCooldownSecs    uint64 `yaml:"max_cooldown_secs"`
}

// SyncCooldownConfig is sync_cooldown.*.
type SyncCooldownConfig struct {
	BaseSecs     uint64 `yaml:"base_secs"`
	GrowthFactor uint64 `yaml:"growth_factor"`
	MaxSecs      uint64 `yaml:"max_secs"`
}

// TokenRefreshConfig is token_refresh.*.
type TokenRefreshConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	RefreshMargin time.Duration `yaml:"refresh_margin"`
}

// BackendSyncWorkerConfig is backend_sync_worker.*.
type BackendSyncWorkerConfig struct {
	PollSecs uint64 `yaml:"poll_secs"`
}

// MQTTReconnectConfig parameterizes the MQTT worker's reconnect backoff,
// reusing the FSM's base/max shape with a growth factor fixed at 2 (not a
// spec.md-named key group, but needed to drive deploy.CalcExpBackoff the
// same way fsm.* does).
type MQTTReconnectConfig struct {
	ExpBackoffBaseSecs uint64 `yaml:"exp_backoff_base_secs"`
	MaxCooldownSecs    uint64 `yaml:"max_cooldown_secs"`
}

// LoggingConfig governs the ambient zerolog setup.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// MetricsConfig governs the Prometheus metrics HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// SocketAPIConfig governs the local get_deployed listener.
type SocketAPIConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// Defaults returns a Config populated with every default value spec.md §6
// implies (the Rust original's LifecycleOptions constants, sane backoff
// curves, and filesystem layout).
func Defaults() Config {
	return Config{
		RootDir:        "/var/lib/agent",
		BackendBaseURL: "https://api.example.com",
		Lifecycle: LifecycleConfig{
			IsPersistent:            true,
			IdleTimeout:             60 * time.Second,
			IdleTimeoutPollInterval: 5 * time.Second,
			MaxRuntime:              15 * time.Minute,
			MaxShutdownDelay:        15 * time.Second,
		},
		Storage: StorageConfig{
			CacheCapacities: CacheCapacitiesConfig{
				ConfigInstancesMaxSize:       10000,
				ConfigInstanceContentMaxSize: 10000,
				ConfigSchemasMaxSize:         1000,
				ConfigSchemaDigestMaxSize:    1000,
			},
			CacheMaintenanceInterval: 5 * time.Minute,
		},
		FSM: FSMConfig{
			MaxAttempts:        30,
			ExpBackoffBaseSecs: 2,
			MaxCooldownSecs:    600,
		},
		SyncCooldown: SyncCooldownConfig{
			BaseSecs:     2,
			GrowthFactor: 2,
			MaxSecs:      3600,
		},
		TokenRefresh: TokenRefreshConfig{
			PollInterval:  time.Minute,
			RefreshMargin: 5 * time.Minute,
		},
		BackendSyncWorker: BackendSyncWorkerConfig{
			PollSecs: 300,
		},
		MQTTReconnect: MQTTReconnectConfig{
			ExpBackoffBaseSecs: 2,
			MaxCooldownSecs:    300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONOutput: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9090",
		},
		SocketAPI: SocketAPIConfig{
			SocketPath: "/run/agent/agent.sock",
		},
	}
}

// Load reads and parses a YAML config file from path, merging it over
// Defaults(). A missing file is not an error: Defaults() alone is valid.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate %q: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks the loaded config for the invariants the rest of the
// agent assumes (non-empty device identity, a usable root directory).
func Validate(cfg *Config) error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("config: device_id is required")
	}
	if cfg.RootDir == "" {
		return fmt.Errorf("config: root_dir is required")
	}
	if cfg.Lifecycle.MaxShutdownDelay <= 0 {
		return fmt.Errorf("config: lifecycle.max_shutdown_delay must be positive")
	}
	return nil
}

// AppSettings translates the parsed config into app.Settings, the shape
// internal/app.Bootstrap actually consumes. backendClient and mqttClient
// are supplied by the caller (cmd/agent), since they are concrete
// collaborators this package has no opinion on constructing.
func (c *Config) AppSettings(backendClient backend.Client, mqttClient mqtt.Client) app.Settings {
	return app.Settings{
		DeviceID:  c.DeviceID,
		SessionID: c.SessionID,
		RootDir:   c.RootDir,

		Backend: backendClient,
		MQTT:    mqttClient,

		CacheCapacities: app.CacheCapacities{
			ConfigInstancesMaxSize:       c.Storage.CacheCapacities.ConfigInstancesMaxSize,
			ConfigInstanceContentMaxSize: c.Storage.CacheCapacities.ConfigInstanceContentMaxSize,
			ConfigSchemasMaxSize:         c.Storage.CacheCapacities.ConfigSchemasMaxSize,
			ConfigSchemaDigestMaxSize:    c.Storage.CacheCapacities.ConfigSchemaDigestMaxSize,
		},
		CacheMaintenance: workers.CacheMaintenanceSettings{
			Interval: c.Storage.CacheMaintenanceInterval,
		},
		FSM: deploy.Settings{
			MaxAttempts:        c.FSM.MaxAttempts,
			ExpBackoffBaseSecs: c.FSM.ExpBackoffBaseSecs,
			MaxCooldownSecs:    c.FSM.MaxCooldownSecs,
		},
		SyncCooldown: syncpkg.CooldownSettings{
			BaseSecs:     c.SyncCooldown.BaseSecs,
			GrowthFactor: c.SyncCooldown.GrowthFactor,
			MaxSecs:      c.SyncCooldown.MaxSecs,
		},
		PollInterval: time.Duration(c.BackendSyncWorker.PollSecs) * time.Second,
		PollErrorBackoff: deploy.Settings{
			ExpBackoffBaseSecs: c.FSM.ExpBackoffBaseSecs,
			MaxCooldownSecs:    c.FSM.MaxCooldownSecs,
		},
		MQTTReconnect: deploy.Settings{
			ExpBackoffBaseSecs: c.MQTTReconnect.ExpBackoffBaseSecs,
			MaxCooldownSecs:    c.MQTTReconnect.MaxCooldownSecs,
		},
		TokenRefresh: workers.TokenRefreshSettings{
			PollInterval:  c.TokenRefresh.PollInterval,
			RefreshMargin: c.TokenRefresh.RefreshMargin,
		},
		Supervisor: app.SupervisorSettings{
			IsPersistent:            c.Lifecycle.IsPersistent,
			IdleTimeout:             c.Lifecycle.IdleTimeout,
			IdleTimeoutPollInterval: c.Lifecycle.IdleTimeoutPollInterval,
			MaxRuntime:              c.Lifecycle.MaxRuntime,
		},
		MaxShutdownDelay: c.Lifecycle.MaxShutdownDelay,
	}
}
