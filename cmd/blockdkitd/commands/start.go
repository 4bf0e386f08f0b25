package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/controlapi"
	"github.com/blockdkit/blockdkit/internal/logger"
	"github.com/blockdkit/blockdkit/internal/shutdown"
	"github.com/blockdkit/blockdkit/internal/telemetry"
	"github.com/blockdkit/blockdkit/internal/wire"
	"github.com/blockdkit/blockdkit/pkg/config"
	"github.com/blockdkit/blockdkit/pkg/filter/exitwhen"
	"github.com/blockdkit/blockdkit/pkg/metrics"

	// Registering every plugin and filter's init() side effect with the
	// global registry. A pipeline config naming one of these by name
	// resolves here; naming anything else fails at BuildPipeline time.
	_ "github.com/blockdkit/blockdkit/pkg/filter/acl"
	_ "github.com/blockdkit/blockdkit/pkg/filter/cache"
	_ "github.com/blockdkit/blockdkit/pkg/filter/crypt"
	_ "github.com/blockdkit/blockdkit/pkg/filter/errorinject"
	_ "github.com/blockdkit/blockdkit/pkg/filter/exitwhen"
	_ "github.com/blockdkit/blockdkit/pkg/filter/exportname"
	_ "github.com/blockdkit/blockdkit/pkg/filter/limit"
	_ "github.com/blockdkit/blockdkit/pkg/filter/log"
	_ "github.com/blockdkit/blockdkit/pkg/filter/offset"
	_ "github.com/blockdkit/blockdkit/pkg/filter/pause"
	_ "github.com/blockdkit/blockdkit/pkg/filter/readonly"
	_ "github.com/blockdkit/blockdkit/pkg/plugin/badger"
	_ "github.com/blockdkit/blockdkit/pkg/plugin/file"
	_ "github.com/blockdkit/blockdkit/pkg/plugin/memory"
	_ "github.com/blockdkit/blockdkit/pkg/plugin/s3"
	_ "github.com/blockdkit/blockdkit/pkg/plugin/sql"

	// Import prometheus metrics to register its init() constructor.
	_ "github.com/blockdkit/blockdkit/pkg/metrics/prometheus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the blockdkitd server",
	Long: `Start blockdkitd's wire protocol listener and, if configured, its HTTP
management API, serving the fixed plugin+filter pipeline named in the
config file until an interrupt signal or an exitwhen filter's trigger
fires.

Examples:
  # Start with default config location
  blockdkitd start

  # Start with a custom config file
  blockdkitd start --config /etc/blockdkit/config.yaml

  # Override a setting via environment variable
  BLOCKDKIT_WIRE_LISTEN_ADDR=:10809 blockdkitd start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" && !config.DefaultConfigExists() {
		return fmt.Errorf("no configuration file found at %s; run 'blockdkitd init' first", config.GetDefaultConfigPath())
	}
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return fmt.Errorf("configuration file not found: %s", configPath)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "blockdkitd",
		Endpoint:    cfg.Telemetry.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("metrics enabled")
	} else {
		logger.Info("metrics disabled")
	}

	top, err := config.BuildPipeline(cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := top.Load(); err != nil {
		return fmt.Errorf("failed to load pipeline: %w", err)
	}
	defer top.Unload()

	logger.Info("pipeline assembled", "plugin", cfg.Pipeline.Plugin.Name, "filters", len(cfg.Pipeline.Filters))

	exitSignal := findExitSignal(top)

	srv := wire.New(top, wire.Config{
		ListenAddr:  cfg.Wire.ListenAddr,
		Readonly:    cfg.Wire.Readonly,
		UsingTLS:    cfg.Wire.UsingTLS(),
		IdleTimeout: cfg.Wire.IdleTimeout,
		ExitSignal:  exitSignal,
		Metrics:     metrics.NewPipelineMetrics(),
	})

	var apiSrv *controlapi.Server
	if cfg.ControlAPI.ListenAddr != "" {
		apiSrv = controlapi.NewServer(top, controlapi.Config{
			ListenAddr:   cfg.ControlAPI.ListenAddr,
			JWTSecret:    cfg.ControlAPI.ResolvedJWTSecret(),
			ReadTimeout:  cfg.ControlAPI.ReadTimeout,
			WriteTimeout: cfg.ControlAPI.WriteTimeout,
			IdleTimeout:  cfg.ControlAPI.IdleTimeout,
			UsingTLS:     cfg.Wire.UsingTLS(),
		}, metrics.Gatherer())
		logger.Info("management API enabled", "listen_addr", cfg.ControlAPI.ListenAddr)
	} else {
		logger.Info("management API disabled")
	}

	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}
	if err := config.WatchForChanges(ctx, configPath); err != nil {
		logger.Warn("could not watch config file for changes", logger.Err(err))
	}

	wireDone := make(chan error, 1)
	go func() { wireDone <- srv.Serve(ctx) }()

	apiDone := make(chan error, 1)
	if apiSrv != nil {
		go func() { apiDone <- apiSrv.Start(ctx) }()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("blockdkitd - network block device server")
	logger.Info("server running", "wire_addr", cfg.Wire.ListenAddr)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received")
		cancel()
	case err := <-wireDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("wire server error", "error", err)
			return err
		}
	case err := <-apiDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("management API error", "error", err)
			return err
		}
	}

	if err := <-wireDone; err != nil {
		logger.Error("wire server shutdown error", "error", err)
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

// findExitSignal walks the assembled pipeline chain looking for an
// exitwhen filter, whose Signal() the wire front-end polls to stop
// accepting new connections. Most pipelines have none, in which case a
// nil ExitSignal leaves shutdown entirely to the process signal handler.
func findExitSignal(top backend.Backend) *shutdown.Signal {
	for b := top; b != nil; b = b.Successor() {
		if f, ok := b.(*exitwhen.Filter); ok {
			return f.Signal()
		}
	}
	return nil
}
