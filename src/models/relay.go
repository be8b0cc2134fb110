package models

// -----------------------------------------------------------------------------
// Relay wire messages (downstream JSON)
// -----------------------------------------------------------------------------

type MTickMessage struct {
	Topic  string `json:"topic"`
	Active string `json:"active"`
	Candle MTick  `json:"candle"`
}

type MBatchMessage struct {
	Topic   string  `json:"topic"`
	Active  string  `json:"active"`
	Candles []MTick `json:"candles"`
}

type MPongMessage struct {
	Topic string `json:"topic"` // always "pong"
	T     int64  `json:"_t"`
}

// -----------------------------------------------------------------------------
// Client commands
// -----------------------------------------------------------------------------

// MRelayCommand is the JSON form of a client command; plain text frames
// ("start", "ping", "close") are accepted as well.
type MRelayCommand struct {
	Command string `json:"command"`
}

// NewTickMessage converts a published tick event into its wire form.
func NewTickMessage(ev MTickUpdateEvent) MTickMessage {
	return MTickMessage{Topic: ev.Topic, Active: ev.InstrumentName, Candle: ev.Tick}
}

// NewBatchMessage converts a published batch event into its wire form.
// A nil slice is sent as an empty array.
func NewBatchMessage(ev MBatchCandleEvent) MBatchMessage {
	candles := ev.Ticks
	if candles == nil {
		candles = []MTick{}
	}
	return MBatchMessage{Topic: ev.Topic, Active: ev.InstrumentName, Candles: candles}
}
