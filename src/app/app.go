package app

import (
	"context"
	"sync"
	"time"

	"market-relay/src/config"
	"market-relay/src/engine"
	"market-relay/src/grpc_control"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/server"
	"market-relay/src/sinks"
	"market-relay/src/storage"
)

const shutdownTimeout = 5 * time.Second

// -----------------------------------------------------------------------------

type App struct {
	Config *config.Config
	Logger *logger.Logger

	Engine   *engine.Engine
	Relay    *server.RelayServer
	Control  *grpc_control.Server
	Recorder *storage.Recorder
	Sinks    []interfaces.IEventSink

	journal interfaces.IFrameJournal
}

// -----------------------------------------------------------------------------

// New assembles the service around session. Frames are recorded only for a
// live session, so a replay never overwrites the journal it reads.
func New(cfg *config.Config, session interfaces.ISession, appLogger *logger.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: appLogger,
		Engine: engine.NewEngine(cfg.MConfig, session, logger.NewLogger(cfg, "Engine")),
	}

	if cfg.Storage.Enabled && session.Name() != "replay" {
		journal, err := setupJournal(cfg.MConfig, true, appLogger)
		if err != nil {
			return nil, err
		}
		a.journal = journal
		a.Recorder = storage.NewRecorder(cfg.MConfig, journal, logger.NewLogger(cfg, "Recorder"))
		a.Engine.AddFrameTap(a.Recorder.Tap)
	}

	a.Sinks = setupSinks(cfg.MConfig)
	a.Relay = server.NewRelayServer(cfg.MConfig, a.Engine, logger.NewLogger(cfg, "Relay"))
	a.Control = grpc_control.NewServer(cfg.MConfig,
		grpc_control.NewControlService(a.Engine, logger.NewLogger(cfg, "ControlService")),
		logger.NewLogger(cfg, "gRPC"))
	return a, nil
}

// -----------------------------------------------------------------------------

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Engine loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Engine.Run(runCtx)
	}()

	// 2. Recorder
	recDone := make(chan struct{})
	recCtx, stopRecorder := context.WithCancel(context.Background())
	if a.Recorder != nil {
		go func() {
			defer close(recDone)
			a.Recorder.Run(recCtx)
		}()
	} else {
		close(recDone)
	}

	// 3. Sinks
	var detach []func()
	var started []interfaces.IEventSink
	for _, s := range a.Sinks {
		if err := s.Start(runCtx); err != nil {
			a.Logger.Error("Sink %s disabled: %v", s.Name(), err)
			continue
		}
		started = append(started, s)
		detach = append(detach, sinks.Attach(a.Engine, s))
	}

	// 4. Servers
	errCh := make(chan error, 2)
	go func() { errCh <- a.Relay.Start() }()
	go func() { errCh <- a.Control.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("Shutting down...")
	case runErr = <-errCh:
		a.Logger.Error("Server failed: %v", runErr)
	}

	// Shutdown, downstream first
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := a.Relay.Stop(shutdownCtx); err != nil {
		a.Logger.Warning("Relay shutdown: %v", err)
	}
	a.Control.Stop()

	a.Engine.Stop()
	cancel()
	wg.Wait()

	for _, d := range detach {
		d()
	}
	for _, s := range started {
		if err := s.Stop(); err != nil {
			a.Logger.Warning("Sink %s shutdown: %v", s.Name(), err)
		}
	}

	stopRecorder()
	<-recDone
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.Logger.Warning("Journal close: %v", err)
		}
	}

	a.Logger.Info("Shutdown complete.")
	return runErr
}
