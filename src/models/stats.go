package models

// MClassifierStats counts what the frame classifier did with its input.
type MClassifierStats struct {
	InboundFrames    int64            `json:"inbound_frames"`
	OutboundFrames   int64            `json:"outbound_frames"`
	TicksPublished   int64            `json:"ticks_published"`
	BatchesPublished int64            `json:"batches_published"`
	SnapshotsApplied int64            `json:"snapshots_applied"`
	RequestsRecorded int64            `json:"requests_recorded"`
	Ignored          int64            `json:"ignored"`
	Dropped          map[string]int64 `json:"dropped"`
}

// MEngineStats is the engine status reported over HTTP and gRPC.
type MEngineStats struct {
	Running          bool             `json:"running"`
	Session          string           `json:"session"`
	SessionRefs      int              `json:"session_refs"`
	Instruments      int              `json:"instruments"`
	TickSubscribers  int              `json:"tick_subscribers"`
	BatchSubscribers int              `json:"batch_subscribers"`
	StartedAt        int64            `json:"started_at"`
	Classifier       MClassifierStats `json:"classifier"`
	Errors           map[string]int64 `json:"errors"`
}
