package datasource

import (
	"context"
	"sync"

	"market-relay/src/models"
)

// -----------------------------------------------------------------------------
// Capture
// -----------------------------------------------------------------------------

// Capture is the ICaptureHandle shared by the session implementations.
// Producers Push frames; Finish ends the capture exactly once.
type Capture struct {
	frames chan models.MFrame
	done   chan struct{}

	once   sync.Once
	mu     sync.RWMutex
	closed bool
	err    error
}

func NewCapture(buffer int) *Capture {
	if buffer < 0 {
		buffer = 0
	}
	return &Capture{
		frames: make(chan models.MFrame, buffer),
		done:   make(chan struct{}),
	}
}

// -----------------------------------------------------------------------------

func (c *Capture) Frames() <-chan models.MFrame {
	return c.frames
}

func (c *Capture) Done() <-chan struct{} {
	return c.done
}

func (c *Capture) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// -----------------------------------------------------------------------------

// Push delivers a frame, waiting for buffer space. It returns false once the
// capture has finished or ctx is done.
func (c *Capture) Push(ctx context.Context, frame models.MFrame) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	select {
	case c.frames <- frame:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// TryPush delivers a frame only if buffer space is free.
func (c *Capture) TryPush(frame models.MFrame) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------

// Finish ends the capture. err is reported by Err; nil means a clean stop.
func (c *Capture) Finish(err error) {
	c.once.Do(func() {
		// unblock pending Push calls before taking the write lock
		close(c.done)

		c.mu.Lock()
		c.closed = true
		c.err = err
		close(c.frames)
		c.mu.Unlock()
	})
}
