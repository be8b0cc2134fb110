// Package replay feeds previously captured frames through a capture handle,
// standing in for the browser session in tests and offline runs.
package replay

import (
	"context"
	"sync"
	"time"

	datasource "market-relay/src/data_source"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/pkg/errors"
)

type loader func(ctx context.Context) ([]models.MFrame, error)

// Session replays a fixed frame list on every Start.
type Session struct {
	load     loader
	pace     time.Duration
	realtime bool
	hold     bool
	buffer   int
	Logger   *logger.Logger

	mu      sync.Mutex
	capture *datasource.Capture
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Session)

// WithPace waits d between frames.
func WithPace(d time.Duration) Option {
	return func(s *Session) { s.pace = d }
}

// WithRealtime reproduces the gaps between the frames' capture times.
func WithRealtime() Option {
	return func(s *Session) { s.realtime = true }
}

// WithHold keeps the capture open after the last frame, until Stop.
func WithHold() Option {
	return func(s *Session) { s.hold = true }
}

func WithBuffer(n int) Option {
	return func(s *Session) { s.buffer = n }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.Logger = l }
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// FromFrames replays frames held in memory.
func FromFrames(frames []models.MFrame, opts ...Option) *Session {
	copied := append([]models.MFrame(nil), frames...)
	return newSession(func(context.Context) ([]models.MFrame, error) { return copied, nil }, opts)
}

// FromJournal replays one run of a frame journal. An empty runID picks the
// most recent run.
func FromJournal(journal interfaces.IFrameJournal, runID string, opts ...Option) *Session {
	return newSession(func(ctx context.Context) ([]models.MFrame, error) {
		stored, err := journal.LoadFrames(ctx, runID)
		if err != nil {
			return nil, err
		}
		frames := make([]models.MFrame, len(stored))
		for i, f := range stored {
			frames[i] = f.MFrame
		}
		return frames, nil
	}, opts)
}

func newSession(load loader, opts []Option) *Session {
	s := &Session{load: load, buffer: 256}
	for _, opt := range opts {
		opt(s)
	}
	if s.Logger == nil {
		s.Logger = logger.NewNop("Replay")
	}
	return s
}

// -----------------------------------------------------------------------------
// ISession
// -----------------------------------------------------------------------------

func (s *Session) Name() string {
	return "replay"
}

func (s *Session) Start(ctx context.Context) (interfaces.ICaptureHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture != nil {
		select {
		case <-s.capture.Done():
		default:
			return nil, errors.New("replay session is already running")
		}
	}

	frames, err := s.load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load replay frames")
	}

	rctx, cancel := context.WithCancel(ctx)
	capture := datasource.NewCapture(s.buffer)
	s.capture = capture
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(rctx, capture, frames)

	s.Logger.Info("Replaying %d frames", len(frames))
	return capture, nil
}

func (s *Session) Stop() error {
	s.mu.Lock()
	capture, cancel := s.capture, s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if capture != nil {
		capture.Finish(nil)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (s *Session) run(ctx context.Context, capture *datasource.Capture, frames []models.MFrame) {
	defer s.wg.Done()

	for i, f := range frames {
		if wait := s.delay(frames, i); wait > 0 {
			select {
			case <-ctx.Done():
				capture.Finish(nil)
				return
			case <-time.After(wait):
			}
		}
		if f.CapturedAt.IsZero() {
			f.CapturedAt = time.Now()
		}
		if !capture.Push(ctx, f) {
			capture.Finish(nil)
			return
		}
	}

	if s.hold {
		<-ctx.Done()
	}
	capture.Finish(nil)
}

func (s *Session) delay(frames []models.MFrame, i int) time.Duration {
	if i == 0 {
		return 0
	}
	if s.realtime {
		prev, cur := frames[i-1].CapturedAt, frames[i].CapturedAt
		if !prev.IsZero() && cur.After(prev) {
			return cur.Sub(prev)
		}
		return 0
	}
	return s.pace
}
