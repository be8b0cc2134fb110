package classifier

import (
	"encoding/json"

	"market-relay/src/models"
)

// Config names the upstream message kinds.
type Config struct {
	TickKind       string // inbound, one live candle
	SnapshotKind   string // inbound, instrument directory
	HistoryKind    string // inbound, history response
	HistoryRequest string // outbound, history request
	SendWrapper    string // outbound envelope wrapping the real request
}

// DefaultConfig returns the kind names used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		TickKind:       "tick-generated",
		SnapshotKind:   "directory-snapshot",
		HistoryKind:    "history-batch",
		HistoryRequest: "request-history",
		SendWrapper:    "sendMessage",
	}
}

// ConfigFromModel overlays the configured names on the defaults.
func ConfigFromModel(m models.MProtocolConfig) Config {
	cfg := DefaultConfig()
	if m.TickKind != "" {
		cfg.TickKind = m.TickKind
	}
	if m.SnapshotKind != "" {
		cfg.SnapshotKind = m.SnapshotKind
	}
	if m.HistoryKind != "" {
		cfg.HistoryKind = m.HistoryKind
	}
	if m.HistoryRequest != "" {
		cfg.HistoryRequest = m.HistoryRequest
	}
	if m.SendWrapper != "" {
		cfg.SendWrapper = m.SendWrapper
	}
	return cfg
}

// -----------------------------------------------------------------------------
// Wire types
// -----------------------------------------------------------------------------

// envelopeWire is the shape shared by every upstream frame.
type envelopeWire struct {
	Name      string          `json:"name"`
	Msg       json.RawMessage `json:"msg"`
	Body      json.RawMessage `json:"body"`
	RequestID json.RawMessage `json:"request_id"`
}

type activeRefWire struct {
	ActiveID *int64 `json:"active_id"`
}

type historyWire struct {
	Candles *[]models.MTick `json:"candles"`
}

type snapshotEntryWire struct {
	ID     *int64 `json:"id"`
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// innerRequestWire is the message carried inside the send wrapper.
type innerRequestWire struct {
	Name string          `json:"name"`
	Body json.RawMessage `json:"body"`
}
