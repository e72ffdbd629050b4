// Command agent runs the device-side config agent: it polls and subscribes
// to the backend for declared config instances, deploys them locally, and
// serves the result to other processes on this device over a Unix socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/agent/internal/app"
	"github.com/cuemby/agent/internal/config"
	"github.com/cuemby/agent/internal/log"
	"github.com/cuemby/agent/internal/metrics"
	"github.com/cuemby/agent/internal/socketapi"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agent",
	Short:   "Device-side config agent",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("agent version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "/etc/agent/agent.yaml", "Path to the agent's YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override logging.level from the config file")
	rootCmd.PersistentFlags().Bool("log-json", false, "Override logging.json_output to true")

	cobra.OnInitialize(func() {})

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig reads --config, applies any --log-level/--log-json overrides,
// and initializes the global logger before returning.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Logging.JSONOutput = true
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSONOutput,
	})
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent: poll/subscribe for config, deploy, and serve get_deployed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		backendClient := newHTTPClient(cfg.BackendBaseURL, 30*time.Second)

		// A concrete mqtt.Client is outside this repo's scope (see
		// internal/mqtt's DESIGN.md entry); cfg.MQTTBrokerURL is carried
		// through config for whatever embeds this agent to wire one in.
		a, err := app.Bootstrap(cfg.AppSettings(backendClient, nil))
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}

		var mqttReporter metrics.MQTTConnectedReporter
		if a.MQTTWorker != nil {
			mqttReporter = a.MQTTWorker
		}
		collector := metrics.NewCollector(a.Syncer, a.TokenManager, mqttReporter, 15*time.Second)
		collector.RegisterCache("config_instances", a.Metadata)
		collector.RegisterCache("config_instance_content", a.Content)
		collector.RegisterCache("config_schemas", a.Schemas)
		collector.RegisterCache("config_schema_digest", a.SchemaDigests)
		a.CacheMaintenanceWorker.SetObserver(collector.PruneObserver())

		ctx, cancelMetrics := context.WithCancel(context.Background())
		collector.Start(ctx)
		defer cancelMetrics()

		var metricsErrCh <-chan error
		if cfg.Metrics.Enabled {
			metricsServer := metrics.NewServer(cfg.Metrics.Addr)
			metricsErrCh, err = metricsServer.Start()
			if err != nil {
				return fmt.Errorf("start metrics server: %w", err)
			}
			if err := a.Lifecycle.Register("metrics_server", metricsServer); err != nil {
				return err
			}
		}

		socketService := &socketapi.Service{
			Backend:       backendClient,
			Syncer:        a.Syncer,
			Schemas:       a.Schemas,
			SchemaDigests: a.SchemaDigests,
			Instances:     a.Metadata,
			Content:       a.Content,
		}
		socketServer := socketapi.NewServer(socketService, cfg.SocketAPI.SocketPath)
		socketErrCh, err := socketServer.Start()
		if err != nil {
			return fmt.Errorf("start socket server: %w", err)
		}
		if err := a.Lifecycle.Register("socket_server", socketServer); err != nil {
			return err
		}

		runCtx, cancelRun := context.WithCancel(context.Background())
		defer cancelRun()
		a.Start(runCtx)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
		case reason := <-a.Supervisor.ShutdownRequested:
			log.Logger.Info().Str("reason", reason).Msg("supervisor requested shutdown")
		case err := <-socketErrCh:
			if err != nil {
				log.Logger.Error().Err(err).Msg("socket server failed")
			}
		case err := <-metricsErrCh:
			if err != nil {
				log.Logger.Error().Err(err).Msg("metrics server failed")
			}
		}

		cancelRun()
		cancelMetrics()
		collector.Stop()

		if err := a.Shutdown(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync pass against the backend and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		backendClient := newHTTPClient(cfg.BackendBaseURL, 30*time.Second)
		a, err := app.Bootstrap(cfg.AppSettings(backendClient, nil))
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		defer stopAndShutdown(a)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := a.Syncer.Sync(ctx); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		fmt.Println("sync completed")
		return nil
	},
}

// stopAndShutdown starts and immediately cancels the agent's workers before
// tearing it down: Lifecycle.Shutdown waits on each worker's done channel,
// which only closes once its run loop has actually been entered via Start.
func stopAndShutdown(a *app.App) {
	runCtx, cancel := context.WithCancel(context.Background())
	a.Start(runCtx)
	cancel()
	if err := a.Shutdown(); err != nil {
		log.Logger.Error().Err(err).Msg("shutdown failed")
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the device's cached status and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		backendClient := newHTTPClient(cfg.BackendBaseURL, 30*time.Second)
		a, err := app.Bootstrap(cfg.AppSettings(backendClient, nil))
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		defer stopAndShutdown(a)

		device, err := a.DeviceFile.Read()
		if err != nil {
			return fmt.Errorf("read device record: %w", err)
		}
		fmt.Printf("device_id:  %s\n", device.ID)
		fmt.Printf("session_id: %s\n", device.SessionID)
		fmt.Printf("status:     %s\n", device.Status)
		fmt.Printf("activated:  %t\n", device.Activated)

		state := a.Syncer.State()
		fmt.Printf("last_synced_at:     %s\n", state.LastSyncedAt.Format(time.RFC3339))
		fmt.Printf("error_streak:       %d\n", state.ErrStreak)

		instances, err := a.Metadata.Entries()
		if err != nil {
			return fmt.Errorf("read config instances: %w", err)
		}
		fmt.Printf("config_instances:   %d cached\n", len(instances))
		return nil
	},
}
