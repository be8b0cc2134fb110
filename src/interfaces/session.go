package interfaces

import (
	"context"

	"market-relay/src/models"
)

// -----------------------------------------------------------------------------
// ISession is an upstream session able to expose its websocket frames.
// -----------------------------------------------------------------------------

type ISession interface {

	// Name returns the unique identifier of the session kind
	Name() string

	// -----------------------------------------------------------------------------

	// Start logs in (when needed) and begins capturing frames.
	// The returned handle stays valid until Stop is called or ctx is cancelled.
	Start(ctx context.Context) (ICaptureHandle, error)

	// -----------------------------------------------------------------------------

	// Stop tears the session down. Safe to call when not started.
	Stop() error
}

// -----------------------------------------------------------------------------
// ICaptureHandle delivers captured frames in capture order.
// -----------------------------------------------------------------------------

type ICaptureHandle interface {

	// Frames is closed when the capture ends.
	Frames() <-chan models.MFrame

	// -----------------------------------------------------------------------------

	// Done is closed when the capture ends; Err then reports why (nil on a clean stop).
	Done() <-chan struct{}
	Err() error
}
