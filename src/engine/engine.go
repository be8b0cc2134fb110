// Package engine runs the single event loop that owns the instrument
// directory and the classifier, and manages the upstream session.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"market-relay/src/classifier"
	"market-relay/src/directory"
	"market-relay/src/helpers"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"
	"market-relay/src/pubsub"

	"github.com/pkg/errors"
)

const defaultSnapshotWait = 30 * time.Second

// ErrEngineStopped is returned by calls made after Run has returned.
var ErrEngineStopped = errors.New("engine loop is not running")

// FrameTap sees every captured frame before classification. It runs on the
// loop goroutine and must not block.
type FrameTap func(frame models.MFrame)

// -----------------------------------------------------------------------------

type Engine struct {
	Config *models.MConfig
	Logger *logger.Logger

	Ticks   *pubsub.Channel[models.MTickUpdateEvent]
	Batches *pubsub.Channel[models.MBatchCandleEvent]

	session interfaces.ISession
	errors  *helpers.ErrorHandler

	// loop-owned
	dir    *directory.Directory
	cls    *classifier.Classifier
	frames <-chan models.MFrame
	taps   []FrameTap

	calls    chan func()
	loopDone chan struct{}

	// snapshotWait is how long a session may stream with an empty directory
	// before a warning is logged; zero disables the check.
	snapshotWait time.Duration
	ctx      context.Context
	cancel   context.CancelFunc

	// lifecycle, guarded by lifeMu
	lifeMu        sync.Mutex
	handle        interfaces.ICaptureHandle
	sessionCancel context.CancelFunc
	cancelMu      sync.Mutex

	running   atomic.Bool
	gen       atomic.Uint64 // bumped by every session start
	refs      atomic.Int32
	startedAt atomic.Int64
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewEngine(cfg *models.MConfig, session interfaces.ISession, log *logger.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	var opts []directory.Option
	if cfg.Directory.PendingTTLSeconds > 0 {
		opts = append(opts, directory.WithPendingTTL(time.Duration(cfg.Directory.PendingTTLSeconds)*time.Second))
	}

	e := &Engine{
		Config:   cfg,
		Logger:   log,
		Ticks:    pubsub.NewChannel[models.MTickUpdateEvent]("ticks"),
		Batches:  pubsub.NewChannel[models.MBatchCandleEvent]("batches"),
		session:  session,
		errors:   helpers.NewErrorHandler(log.Named("Errors")),
		dir:      directory.New(opts...),
		calls:    make(chan func()),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,

		snapshotWait: defaultSnapshotWait,
	}
	e.cls = classifier.New(classifier.ConfigFromModel(cfg.Protocol), e.dir, e.Ticks, e.Batches)
	return e
}

// AddFrameTap registers a tap. Call before Run.
func (e *Engine) AddFrameTap(tap FrameTap) {
	e.taps = append(e.taps, tap)
}

// -----------------------------------------------------------------------------
// Event loop
// -----------------------------------------------------------------------------

// Run processes frames and queued calls until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.loopDone)
	defer e.cancel()

	e.Logger.Info("Engine loop started (session: %s)", e.session.Name())

	for {
		select {
		case <-ctx.Done():
			e.Logger.Info("Engine loop stopping")
			return ctx.Err()

		case fn := <-e.calls:
			fn()

		case frame, ok := <-e.frames:
			if !ok {
				e.frames = nil
				continue
			}
			e.handleFrame(frame)
		}
	}
}

// -----------------------------------------------------------------------------

func (e *Engine) handleFrame(frame models.MFrame) {
	for _, tap := range e.taps {
		tap(frame)
	}
	if err := e.cls.Handle(frame); err != nil {
		e.errors.Handle(err, "classifier")
	}
}

// -----------------------------------------------------------------------------

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}

	select {
	case e.calls <- wrapped:
	case <-e.loopDone:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// fn is queued; the loop always finishes it.
	<-done
	return nil
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Instruments returns the directory contents ordered by id.
func (e *Engine) Instruments(ctx context.Context) ([]models.MInstrument, error) {
	var out []models.MInstrument
	err := e.do(ctx, func() { out = e.dir.Snapshot() })
	return out, err
}

// Instrument looks one instrument up by id.
func (e *Engine) Instrument(ctx context.Context, id int64) (models.MInstrument, bool, error) {
	var (
		inst models.MInstrument
		ok   bool
	)
	err := e.do(ctx, func() { inst, ok = e.dir.LookupByID(id) })
	return inst, ok, err
}

// Stats reports the engine status.
func (e *Engine) Stats(ctx context.Context) (models.MEngineStats, error) {
	stats := models.MEngineStats{
		Running:          e.running.Load(),
		Session:          e.session.Name(),
		SessionRefs:      int(e.refs.Load()),
		TickSubscribers:  e.Ticks.Len(),
		BatchSubscribers: e.Batches.Len(),
		StartedAt:        e.startedAt.Load(),
		Errors:           e.errors.Counts(),
	}
	err := e.do(ctx, func() {
		stats.Instruments = e.dir.Len()
		stats.Classifier = e.cls.Stats()
	})
	return stats, err
}

// IsRunning reports whether an upstream session is attached.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// SessionRefs is the number of holders of the upstream session.
func (e *Engine) SessionRefs() int {
	return int(e.refs.Load())
}

// -----------------------------------------------------------------------------
// Publisher access
// -----------------------------------------------------------------------------

func (e *Engine) SubscribeTicks(h pubsub.Handler[models.MTickUpdateEvent]) *pubsub.Subscription[models.MTickUpdateEvent] {
	return e.Ticks.Subscribe(h)
}

func (e *Engine) SubscribeBatches(h pubsub.Handler[models.MBatchCandleEvent]) *pubsub.Subscription[models.MBatchCandleEvent] {
	return e.Batches.Subscribe(h)
}
