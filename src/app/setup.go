// Package app wires the engine, its session and the downstream servers
// into one runnable service.
package app

import (
	"context"
	"time"

	"market-relay/src/config"
	"market-relay/src/data_source/browser"
	"market-relay/src/data_source/replay"
	"market-relay/src/helpers"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"
	"market-relay/src/sinks"
	"market-relay/src/storage"
)

const initTimeout = 30 * time.Second

// -----------------------------------------------------------------------------

// setupJournal opens the frame journal, retrying while the database comes up.
func setupJournal(cfg *models.MConfig, recreate bool, appLogger *logger.Logger) (interfaces.IFrameJournal, error) {
	journal, err := storage.NewFrameJournal(cfg, logger.NewLogger(cfg, "FrameJournal"), recreate)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	_, err = helpers.RetryWithBackoff(ctx, appLogger, "journal initialization", 3, time.Second, func() (struct{}, error) {
		return struct{}{}, journal.Initialize(ctx)
	})
	if err != nil {
		appLogger.Error("Failed to initialize frame journal: %v", err)
		return nil, err
	}
	return journal, nil
}

// -----------------------------------------------------------------------------

// NewSession builds the upstream session named by session.mode. The
// returned cleanup releases what the session holds open.
func NewSession(cfg *config.Config, appLogger *logger.Logger) (interfaces.ISession, func(), error) {
	switch cfg.Session.Mode {
	case "replay":
		journal, err := setupJournal(cfg.MConfig, false, appLogger)
		if err != nil {
			return nil, nil, err
		}
		opts := []replay.Option{
			replay.WithHold(),
			replay.WithLogger(logger.NewLogger(cfg, "Replay")),
		}
		if pace := cfg.Session.ReplayPaceMillis; pace > 0 {
			opts = append(opts, replay.WithPace(time.Duration(pace)*time.Millisecond))
		} else {
			opts = append(opts, replay.WithRealtime())
		}
		if cfg.Session.FrameBuffer > 0 {
			opts = append(opts, replay.WithBuffer(cfg.Session.FrameBuffer))
		}
		appLogger.Info("Replaying run %q from the frame journal", cfg.Session.ReplayRunID)
		return replay.FromJournal(journal, cfg.Session.ReplayRunID, opts...), func() { journal.Close() }, nil

	case "browser":
		proxies := helpers.NewProxyManager(cfg.Network.Proxies, cfg.Network.UserAgent, logger.NewLogger(cfg, "ProxyManager"))
		return browser.NewSession(cfg.MConfig, proxies, logger.NewLogger(cfg, "Browser")), func() {}, nil

	default:
		return nil, nil, helpers.NewConfigurationError("unknown session mode "+cfg.Session.Mode, nil)
	}
}

// -----------------------------------------------------------------------------

// setupSinks builds the enabled event sinks.
func setupSinks(cfg *models.MConfig) []interfaces.IEventSink {
	var out []interfaces.IEventSink
	if cfg.Sinks.Kafka.Enabled {
		out = append(out, sinks.NewKafkaSink(cfg, logger.NewLogger(cfg, "KafkaSink")))
	}
	if cfg.Sinks.Redis.Enabled {
		out = append(out, sinks.NewRedisSink(cfg, logger.NewLogger(cfg, "RedisSink")))
	}
	return out
}
