package interfaces

import (
	"context"

	"market-relay/src/models"
)

// -----------------------------------------------------------------------------
// IEventSink forwards published events to an external system.
// -----------------------------------------------------------------------------

type IEventSink interface {
	Name() string

	// -----------------------------------------------------------------------------

	// Start begins forwarding until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// -----------------------------------------------------------------------------

	// Enqueue must not block; events are dropped when the sink is behind.
	EnqueueTick(ev models.MTickUpdateEvent)
	EnqueueBatch(ev models.MBatchCandleEvent)

	// -----------------------------------------------------------------------------

	Stop() error
}
