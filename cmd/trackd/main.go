package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg/config"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/pidfile"
	"github.com/markus-lassfolk/fieldtrack/pkg/telem"
)

var (
	configPath = flag.String("config", config.DefaultPath, "Path to UCI or YAML configuration file")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	version    = flag.Bool("version", false, "Show version information")
	dryRun     = flag.Bool("dry-run", false, "Keep the queue in memory and log samples instead of submitting them")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "trackd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	if *dryRun {
		cfg.Storage.Backend = "memory"
		cfg.Session.Transport = "log"
		logger.Info("Dry run: queue kept in memory, samples only logged")
	}

	pidFile := pidfile.New(cfg.Tracker.PIDFile)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		os.Exit(1)
	}
	if running {
		if !*force {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", cfg.Tracker.PIDFile)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			os.Exit(1)
		}
		logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
		if err := os.Remove(cfg.Tracker.PIDFile); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			os.Exit(1)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", cfg.Tracker.PIDFile)
		os.Exit(1)
	}

	var opts buildOptions
	if *dryRun {
		opts.battery = telem.StaticBattery(100)
	}
	code := run(cfg, logger, opts)
	if err := pidFile.Remove(); err != nil {
		logger.Error("Failed to remove PID file", "error", err)
	}
	os.Exit(code)
}

func run(cfg *config.Config, logger *logx.Logger, opts buildOptions) int {
	logger.Info("Starting tracking daemon", "version", AppVersion, "pid", os.Getpid(), "config", *configPath)

	dataDir := config.DefaultDataDir
	if cfg.Storage.Path != "" {
		dataDir = filepath.Dir(cfg.Storage.Path)
	}
	if _, err := cfg.ResolveDeviceID(dataDir); err != nil {
		host, _ := os.Hostname()
		cfg.Session.DeviceID = host
		logger.Warn("Falling back to hostname as device id", "error", err, "device_id", host)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, logger, opts)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return 1
	}
	if err := d.start(ctx); err != nil {
		logger.Error("Failed to start", "error", err)
		d.stop(ctx)
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			reloadLogLevel(logger)
			continue
		}
		logger.Info("Received shutdown signal", "signal", sig.String())
		break
	}
	signal.Stop(sigChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	d.stop(shutdownCtx)
	logger.Info("Graceful shutdown completed")
	return 0
}

// reloadLogLevel re-reads the configuration and applies its log level. Other
// settings need a restart.
func reloadLogLevel(logger *logx.Logger) {
	if *logLevel != "" {
		return
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("Config reload failed", "error", err)
		return
	}
	if cfg.LogLevel != logger.Level() {
		logger.SetLevel(cfg.LogLevel)
		logger.Info("Log level changed", "level", cfg.LogLevel)
	}
}
