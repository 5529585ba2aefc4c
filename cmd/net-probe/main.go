// Net Probe - periodic TCP/HTTP reachability probe
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/supporttools/net-probe/pkg/exporters/prometheus"
	"github.com/supporttools/net-probe/pkg/health"
	"github.com/supporttools/net-probe/pkg/history"
	"github.com/supporttools/net-probe/pkg/logger"
	"github.com/supporttools/net-probe/pkg/probe"
	"github.com/supporttools/net-probe/pkg/reload"
	"github.com/supporttools/net-probe/pkg/types"
	"github.com/supporttools/net-probe/pkg/util"
)

// Build-time variables set by goreleaser or make
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Command-line flags
var (
	configPath    = flag.String("config", "/etc/net-probe/config.yaml", "Path to configuration file")
	host          = flag.String("host", "", "Override probe host")
	port          = flag.Int("port", 0, "Override probe port")
	logLevel      = flag.String("log-level", "", "Override log level (debug, info, warn, error, fatal)")
	logFormat     = flag.String("log-format", "", "Override log format (json, text)")
	failurePolicy = flag.String("failure-policy", "", "Override failure policy (abort, continue)")
	maxIterations = flag.Uint64("max-iterations", 0, "Stop after this many iterations (0 keeps the config value)")
	version       = flag.Bool("version", false, "Show version information and exit")
)

// Exit codes
const (
	exitOK            = 0
	exitProbeFailed   = 1
	exitConfigError   = 2
	exitStartupFailed = 3
)

func main() {
	flag.Parse()

	if *version {
		printVersion(os.Stdout)
		os.Exit(exitOK)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	os.Exit(run(ctx))
}

// run starts the probe and its supporting servers and blocks until the probe
// loop ends or ctx is cancelled. It returns the process exit code.
func run(ctx context.Context) int {
	config, err := loadConfiguration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitConfigError
	}

	settings := config.Settings
	if err := logger.Initialize(settings.LogLevel, settings.LogFormat, settings.LogOutput, settings.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		return exitConfigError
	}
	defer logger.Close()

	log := logger.ForComponent("main")
	log.WithField("version", Version).
		WithField("logLevel", logger.GetLevel().String()).
		Info("Net Probe starting")
	log.WithField("target", config.Probe.Host).
		WithField("port", config.Probe.Port).
		WithField("failurePolicy", config.Probe.FailurePolicy).
		Info("Configuration loaded")

	if err := probe.Preflight(settings.RequireNetwork, nil); err != nil {
		log.WithError(err).Error("Network preflight failed")
		return exitStartupFailed
	}

	prober, err := probe.NewProber(config.Probe)
	if err != nil {
		log.WithError(err).Error("Failed to create prober")
		return exitConfigError
	}

	var loopRunning atomic.Bool

	if config.Metrics.Enabled {
		exporter, err := prometheus.NewExporter(config.Metrics, Version)
		if err != nil {
			log.WithError(err).Error("Failed to create Prometheus exporter")
			return exitStartupFailed
		}
		if err := exporter.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start Prometheus exporter")
			return exitStartupFailed
		}
		defer exporter.Stop()
		prober.AddReporter(exporter)
	}

	var store *history.SQLiteStore
	if config.History.Enabled {
		store, err = history.NewSQLiteStore(&history.Config{
			Path:      config.History.Path,
			Retention: config.History.Retention,
		})
		if err != nil {
			log.WithError(err).Error("Failed to create history store")
			return exitStartupFailed
		}
		if err := store.Initialize(ctx); err != nil {
			log.WithError(err).Error("Failed to initialize history store")
			return exitStartupFailed
		}
		defer store.Close()
		go store.RunCleanupLoop(ctx, config.History.CleanupInterval)
		prober.AddReporter(store)
	}

	if config.Health.Enabled {
		server, err := health.NewServer(&health.Config{
			BindAddress: config.Health.BindAddress,
			Port:        config.Health.Port,
			StaleAfter:  staleAfter(config.Probe),
			Version:     Version,
		})
		if err != nil {
			log.WithError(err).Error("Failed to create health server")
			return exitStartupFailed
		}
		server.AddHealthCheck("probe-loop", func() error {
			if !loopRunning.Load() {
				return errors.New("probe loop is not running")
			}
			return nil
		})
		if store != nil {
			server.Handle("/history", store.Handler())
		}
		if err := server.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start health server")
			return exitStartupFailed
		}
		defer server.Stop()
		prober.AddReporter(server)
	}

	if config.Reload.Enabled {
		stopReload, err := startReload(ctx, config, prober)
		if err != nil {
			log.WithError(err).Warn("Configuration hot reload disabled")
		} else {
			defer stopReload()
		}
	}

	errChan := make(chan error, 1)
	loopRunning.Store(true)
	go func() {
		defer loopRunning.Store(false)
		errChan <- prober.Run(ctx)
	}()

	log.Info("Net Probe started")

	var runErr error
	select {
	case runErr = <-errChan:
	case <-ctx.Done():
		log.Info("Received shutdown signal, initiating graceful shutdown")
		select {
		case runErr = <-errChan:
			log.Info("Graceful shutdown completed")
		case <-time.After(settings.ShutdownTimeout):
			log.Warn("Shutdown timeout exceeded, forcing exit")
		}
	}

	if runErr != nil {
		log.WithError(runErr).WithField("stage", probe.StageOf(runErr)).Error("Probe failed")
		return exitProbeFailed
	}

	log.Info("Net Probe stopped")
	return exitOK
}

// loadConfiguration loads and validates the configuration with proper precedence:
// 1. Start with file config or defaults if file doesn't exist
// 2. Apply CLI flag overrides
// 3. Re-validate the final configuration
func loadConfiguration() (*types.ProbeConfig, error) {
	var config *types.ProbeConfig
	var err error

	if _, statErr := os.Stat(*configPath); os.IsNotExist(statErr) {
		config, err = util.DefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		config, err = util.LoadConfig(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", *configPath, err)
		}
	}

	applyFlagOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed after applying overrides: %w", err)
	}

	return config, nil
}

// applyFlagOverrides applies command-line flag overrides to the configuration
func applyFlagOverrides(config *types.ProbeConfig) {
	if *host != "" && *host != config.Probe.Host {
		// A request derived from the old host follows the new one.
		if config.Probe.Request == types.DefaultRequest(config.Probe.Host) {
			config.Probe.Request = types.DefaultRequest(*host)
		}
		config.Probe.Host = *host
	}
	if *port != 0 {
		config.Probe.Port = *port
	}
	if *logLevel != "" {
		config.Settings.LogLevel = *logLevel
	}
	if *logFormat != "" {
		config.Settings.LogFormat = *logFormat
	}
	if *failurePolicy != "" {
		config.Probe.FailurePolicy = types.FailurePolicy(strings.ToLower(*failurePolicy))
	}
	if *maxIterations != 0 {
		config.Probe.MaxIterations = *maxIterations
	}
}

// startReload watches the config file and applies changes to prober.
// The returned function stops the watcher.
func startReload(ctx context.Context, config *types.ProbeConfig, prober *probe.Prober) (func(), error) {
	if _, err := os.Stat(*configPath); err != nil {
		return nil, fmt.Errorf("config file %s not available for watching: %w", *configPath, err)
	}

	watcher, err := reload.NewConfigWatcher(*configPath, config.Reload.DebounceInterval)
	if err != nil {
		return nil, err
	}
	changes, err := watcher.Start(ctx)
	if err != nil {
		watcher.Stop()
		return nil, err
	}

	coordinator := reload.NewReloadCoordinator(*configPath, config, applyReload(prober), nil)
	go coordinator.Run(ctx, changes)

	return watcher.Stop, nil
}

// applyReload returns the callback that pushes reloaded settings into the running process.
func applyReload(prober *probe.Prober) reload.ReloadCallback {
	return func(ctx context.Context, newConfig *types.ProbeConfig, diff *reload.ConfigDiff) error {
		if diff.ProbeChanged() {
			if err := prober.Reconfigure(newConfig.Probe); err != nil {
				return err
			}
		}
		if diff.LoggingChanged {
			s := newConfig.Settings
			if err := logger.Initialize(s.LogLevel, s.LogFormat, s.LogOutput, s.LogFile); err != nil {
				return fmt.Errorf("failed to apply logging settings: %w", err)
			}
			logger.ForComponent("reload").WithField("level", logger.GetLevel().String()).Info("Logging settings applied")
		}
		return nil
	}
}

// staleAfter bounds how long the loop may go without reporting: a few
// worst-case iterations of target.
func staleAfter(target types.ProbeTarget) time.Duration {
	iteration := 2*target.DialTimeout + target.ReadTimeout + 2*target.Delay
	return 3 * iteration
}

// printVersion prints version information to w
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "net-probe %s\n", Version)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Built: %s\n", BuildTime)
	fmt.Fprintf(w, "  Go Version: %s\n", runtime.Version())
	fmt.Fprintf(w, "  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
