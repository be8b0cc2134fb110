package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// -----------------------------------------------------------------------------
// Instrument Directory entry
// -----------------------------------------------------------------------------

// MInstrument is one tradable asset known to the directory.
// PendingRequestID is empty when no history request has been observed.
type MInstrument struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	PendingRequestID string    `json:"pending_request_id,omitempty"`
	PendingSince     time.Time `json:"pending_since,omitempty"`
}

// HasPending reports whether a history request is outstanding for the instrument.
func (i MInstrument) HasPending() bool {
	return i.PendingRequestID != ""
}

// MSnapshotEntry is a single {id, name} pair read from a directory snapshot.
type MSnapshotEntry struct {
	ID   int64
	Name string
}

// -----------------------------------------------------------------------------
// Price tick (upstream candle)
// -----------------------------------------------------------------------------

// MTick keeps the upstream candle keys so relayed JSON matches what
// existing consumers of the upstream stream already parse. A tick decoded
// from upstream keeps its raw JSON and is re-encoded verbatim.
type MTick struct {
	InstrumentID int64   `json:"active_id"`
	Size         int64   `json:"size"`
	WindowStart  int64   `json:"from"`
	WindowEnd    int64   `json:"to"`
	SequenceID   int64   `json:"id"`
	Open         float64 `json:"open"`
	Close        float64 `json:"close"`
	Low          float64 `json:"min"`
	High         float64 `json:"max"`
	Ask          float64 `json:"ask"`
	Bid          float64 `json:"bid"`
	Volume       float64 `json:"volume"`
	Phase        string  `json:"phase,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type plainTick MTick

// UnmarshalJSON fills what it can of the typed fields. A value of an
// unexpected type leaves its field zero instead of failing the tick.
func (t *MTick) UnmarshalJSON(data []byte) error {
	var p plainTick
	if err := json.Unmarshal(data, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return err
		}
	}
	*t = MTick(p)
	t.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (t MTick) MarshalJSON() ([]byte, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}
	return json.Marshal(plainTick(t))
}

// -----------------------------------------------------------------------------
// Published events
// -----------------------------------------------------------------------------

type MTickUpdateEvent struct {
	Topic          string
	InstrumentName string
	Tick           MTick
}

type MBatchCandleEvent struct {
	Topic          string
	InstrumentName string
	Ticks          []MTick
}
