package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"market-relay/src/app"
	"market-relay/src/config"
	"market-relay/src/logger"
)

// -----------------------------------------------------------------------------

func main() {

	// Parse command line flags
	configPath := flag.String("config", "config/default.yaml", "path to config file (empty: defaults and environment)")
	flag.Parse()

	// Load config from YAML file
	config, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	appLogger := logger.NewLogger(config, config.Name)
	defer appLogger.Sync()

	session, cleanup, err := app.NewSession(config, appLogger)
	if err != nil {
		appLogger.Critical("Failed to set up session: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	service, err := app.New(config, session, appLogger)
	if err != nil {
		appLogger.Critical("Failed to set up service: %v", err)
		os.Exit(1)
	}

	// Lifecycle Management
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Relay ready: ws://%s:%d/ws (session %s, policy %s)",
		config.Host, config.Port, session.Name(), config.Relay.SessionPolicy)

	if err := service.Run(ctx); err != nil {
		appLogger.Error("Exited with error: %v", err)
		os.Exit(1)
	}
}
