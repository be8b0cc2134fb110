// Command replay serves a recorded frame journal through the relay, for
// working on downstream consumers without a live account.
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
	"market-relay/src/models"
	"market-relay/src/storage"
)

func main() {
	// 1. Parse command line flags
	configPath := flag.String("config", "", "path to config file (optional)")
	dbPath := flag.String("db", "", "sqlite journal to replay (overrides storage.db_path)")
	runID := flag.String("run", "", "run id to replay (default: latest)")
	pace := flag.Int("pace", 0, "milliseconds between frames (0: recorded timing)")
	port := flag.Int("port", 0, "relay port (overrides config)")
	list := flag.Bool("list", false, "list recorded runs and exit")
	flag.Parse()

	// 2. Load config, forced into replay mode
	conf, err := config.NewConfigWith(*configPath, func(c *models.MConfig) {
		c.Session.Mode = "replay"
		c.Storage.Enabled = false
		if *dbPath != "" {
			c.Storage.DBType = "sqlite"
			c.Storage.DBPath = *dbPath
		}
		if *runID != "" {
			c.Session.ReplayRunID = *runID
		}
		if *pace > 0 {
			c.Session.ReplayPaceMillis = *pace
		}
		if *port > 0 {
			c.Port = *port
		}
	})
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// 3. Setup Logger
	appLogger := logger.NewLogger(conf, conf.Name+"-replay")
	defer appLogger.Sync()

	if *list {
		if err := listRuns(conf.MConfig, appLogger); err != nil {
			appLogger.Critical("Cannot list runs: %v", err)
			os.Exit(1)
		}
		return
	}

	// 4. Setup Components
	session, cleanup, err := app.NewSession(conf, appLogger)
	if err != nil {
		appLogger.Critical("Failed to open journal: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	service, err := app.New(conf, session, appLogger)
	if err != nil {
		appLogger.Critical("Failed to set up service: %v", err)
		os.Exit(1)
	}

	// 5. Serve until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Replay relay on ws://%s:%d/ws; send \"start\" to play", conf.Host, conf.Port)
	if err := service.Run(ctx); err != nil {
		os.Exit(1)
	}
}

// -----------------------------------------------------------------------------

type runLister interface {
	ListRuns(ctx context.Context) ([]string, error)
}

func listRuns(cfg *models.MConfig, appLogger *logger.Logger) error {
	journal, err := storage.NewFrameJournal(cfg, appLogger, false)
	if err != nil {
		return err
	}
	defer journal.Close()

	ctx := context.Background()
	if err := journal.Initialize(ctx); err != nil {
		return err
	}

	lister, ok := journal.(runLister)
	if !ok {
		return fmt.Errorf("journal %T cannot list runs", journal)
	}
	runs, err := lister.ListRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Println(r)
	}
	return nil
}
