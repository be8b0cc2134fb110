package storage

import (
	"context"
	"sync"
	"time"

	"market-relay/src/helpers"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"
	"market-relay/src/utils"

	"github.com/google/uuid"
)

const (
	defaultMaxFrames     = 1000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// -----------------------------------------------------------------------------
// Recorder buffers captured frames and writes them to a journal in batches.
// -----------------------------------------------------------------------------

type Recorder struct {
	Journal interfaces.IFrameJournal
	Logger  *logger.Logger
	RunID   string

	maxFrames     int
	batchSize     int
	flushInterval time.Duration

	mu       sync.Mutex
	buf      *utils.RingBuffer[models.MJournalFrame]
	seq      int64
	lost     int64
	capped   bool
	flushReq chan struct{}
}

// -----------------------------------------------------------------------------

func NewRecorder(cfg *models.MConfig, journal interfaces.IFrameJournal, log *logger.Logger) *Recorder {
	r := &Recorder{
		Journal:       journal,
		Logger:        log,
		RunID:         uuid.NewString(),
		maxFrames:     cfg.Storage.MaxFrames,
		batchSize:     cfg.Storage.BatchSize,
		flushInterval: time.Duration(cfg.Storage.FlushIntervalMillis) * time.Millisecond,
		flushReq:      make(chan struct{}, 1),
	}
	if r.maxFrames <= 0 {
		r.maxFrames = defaultMaxFrames
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.flushInterval <= 0 {
		r.flushInterval = defaultFlushInterval
	}

	// room for a few batches while a write is in flight
	r.buf = utils.NewRingBuffer[models.MJournalFrame](r.batchSize * 4)
	return r
}

// -----------------------------------------------------------------------------

// Tap records one frame. It never blocks; frames past max_frames are ignored.
func (r *Recorder) Tap(frame models.MFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seq >= int64(r.maxFrames) {
		if !r.capped {
			r.capped = true
			r.Logger.Info("Frame capture limit of %d reached for run %s", r.maxFrames, r.RunID)
		}
		return
	}

	r.seq++
	if r.buf.Append(models.MJournalFrame{RunID: r.RunID, Sequence: r.seq, MFrame: frame}) {
		r.lost++
	}
	if r.buf.Size() >= r.batchSize {
		select {
		case r.flushReq <- struct{}{}:
		default:
		}
	}
}

// -----------------------------------------------------------------------------

// Run flushes on size and on a timer until ctx ends, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	r.Logger.Info("Recording frames as run %s (max %d)", r.RunID, r.maxFrames)

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.Flush(final)
			cancel()
			return
		case <-r.flushReq:
			r.Flush(ctx)
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// -----------------------------------------------------------------------------

// Flush writes the buffered frames. A failed batch is logged and dropped.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.buf.Drain()
	lost := r.lost
	r.lost = 0
	r.mu.Unlock()

	if lost > 0 {
		r.Logger.Warning("Journal writer fell behind, %d frames overwritten", lost)
	}
	if len(batch) == 0 {
		return
	}

	if err := r.Journal.SaveFrames(ctx, batch); err != nil {
		r.Logger.Error("Dropping %d frames: %v", len(batch), helpers.NewStorageError("save frames", err))
		return
	}
	r.Logger.Debug("Saved %d frames (run %s)", len(batch), r.RunID)
}

// Recorded is the number of frames accepted so far.
func (r *Recorder) Recorded() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
