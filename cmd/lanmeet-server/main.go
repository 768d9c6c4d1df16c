package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/aminofox/lanmeet/pkg/api"
	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Parse flags
	configFile := flag.String("config", "config.yaml", "Path to config file")
	devMode := flag.Bool("dev", false, "Enable development mode")
	hostMode := flag.Bool("host", false, "Register this process as a meeting participant")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("LANMeet Server %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}

	// Load configuration; a missing file falls back to the defaults
	cfg, err := config.Load(*configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	// Flags override the file
	if *devMode {
		cfg.Server.DevMode = true
	}
	if *hostMode {
		cfg.Server.HostMode = true
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewDefaultLogger(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	if cfg.Server.DevMode {
		log = logger.NewDefaultLogger(logger.DebugLevel, cfg.Logging.Format)
		log.Info("Running in development mode")
	}

	// Build and start the control server; it owns the registries and the
	// media, transfer and presenter subsystems
	ctrl, err := server.New(*cfg, log)
	if err != nil {
		log.Error("Failed to build server", logger.Err(err))
		os.Exit(1)
	}
	if err := ctrl.Start(); err != nil {
		log.Error("Failed to start server", logger.Err(err))
		os.Exit(1)
	}

	// WebSocket bridge for browser participants
	var bridge *api.Bridge
	if cfg.Server.WebSocketPort > 0 {
		bridge = api.NewBridge(ctrl, log)
		if err := bridge.Start(cfg.Server.Host, cfg.Server.WebSocketPort); err != nil {
			log.Error("Failed to start websocket bridge", logger.Err(err))
			ctrl.Stop()
			os.Exit(1)
		}
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info("LANMeet server started successfully")
	log.Info("Press Ctrl+C to shutdown")

	<-sigChan
	log.Info("Shutdown signal received, starting graceful shutdown...")

	if bridge != nil {
		bridge.Stop()
	}
	ctrl.Stop()

	log.Info("LANMeet server stopped")
}
