package interfaces

import (
	"context"

	"market-relay/src/models"
)

// -----------------------------------------------------------------------------
// IFrameJournal stores raw captured frames for later study and replay.
// -----------------------------------------------------------------------------

type IFrameJournal interface {

	// Initialize sets up the journal schema and tables.
	Initialize(ctx context.Context) error

	// -----------------------------------------------------------------------------

	// SaveFrames inserts a batch of frames.
	SaveFrames(ctx context.Context, frames []models.MJournalFrame) error

	// -----------------------------------------------------------------------------

	// LoadFrames returns the frames of a run in sequence order.
	// An empty runID selects the most recent run.
	LoadFrames(ctx context.Context, runID string) ([]models.MJournalFrame, error)

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
