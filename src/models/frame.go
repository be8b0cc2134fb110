package models

import "time"

// Direction of a captured upstream frame relative to the browser page.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MFrame is one raw websocket frame captured from the upstream session.
type MFrame struct {
	Direction  Direction `json:"direction"`
	Payload    []byte    `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
}

// MJournalFrame is a frame as stored by the frame journal.
type MJournalFrame struct {
	RunID    string
	Sequence int64
	MFrame
}
