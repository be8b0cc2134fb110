package interfaces

import (
	"context"

	"market-relay/src/models"
	"market-relay/src/pubsub"
)

// -----------------------------------------------------------------------------
// IRelayEngine is what the downstream servers need from the engine.
// -----------------------------------------------------------------------------

type IRelayEngine interface {

	// Acquire takes a reference on the upstream session, starting it if needed.
	// The lease identifies the session the reference belongs to.
	Acquire(ctx context.Context) (uint64, error)

	// -----------------------------------------------------------------------------

	// Release drops a reference taken by Acquire. Stale leases are ignored.
	Release(lease uint64)

	// Holds reports whether lease still refers to the running session.
	Holds(lease uint64) bool

	// -----------------------------------------------------------------------------

	// Stop tears the upstream session down regardless of references.
	Stop()

	// -----------------------------------------------------------------------------

	SubscribeTicks(h pubsub.Handler[models.MTickUpdateEvent]) *pubsub.Subscription[models.MTickUpdateEvent]
	SubscribeBatches(h pubsub.Handler[models.MBatchCandleEvent]) *pubsub.Subscription[models.MBatchCandleEvent]

	// -----------------------------------------------------------------------------

	Instruments(ctx context.Context) ([]models.MInstrument, error)
	Instrument(ctx context.Context, id int64) (models.MInstrument, bool, error)
	Stats(ctx context.Context) (models.MEngineStats, error)
	IsRunning() bool
}
