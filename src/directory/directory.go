// Package directory keeps the id -> instrument mapping and the outstanding
// history request of each instrument. It does no locking: the engine loop
// is its only caller.
package directory

import (
	"sort"
	"time"

	"market-relay/src/models"
)

type entry struct {
	instrument models.MInstrument
	// pendingSeq orders RecordPendingRequest calls so that a reused
	// correlation id resolves to the most recent writer.
	pendingSeq uint64
}

// Directory is the in-memory instrument table.
type Directory struct {
	entries map[int64]*entry
	seq     uint64
	ttl     time.Duration
	now     func() time.Time
}

// Option customises a Directory.
type Option func(*Directory)

// WithPendingTTL makes correlation lookups ignore requests older than ttl.
// Zero keeps pending requests forever.
func WithPendingTTL(ttl time.Duration) Option {
	return func(d *Directory) { d.ttl = ttl }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

func New(opts ...Option) *Directory {
	d := &Directory{
		entries: make(map[int64]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// -----------------------------------------------------------------------------

// UpsertFromSnapshot sets the name of every listed instrument, creating it
// when unseen. Pending requests are left untouched.
func (d *Directory) UpsertFromSnapshot(items []models.MSnapshotEntry) {
	for _, it := range items {
		e, ok := d.entries[it.ID]
		if !ok {
			e = &entry{instrument: models.MInstrument{ID: it.ID}}
			d.entries[it.ID] = e
		}
		e.instrument.Name = it.Name
	}
}

// -----------------------------------------------------------------------------

// RecordPendingRequest overwrites the outstanding request of an instrument.
// An unseen instrument is created with an empty name.
func (d *Directory) RecordPendingRequest(instrumentID int64, requestID string) {
	e, ok := d.entries[instrumentID]
	if !ok {
		e = &entry{instrument: models.MInstrument{ID: instrumentID}}
		d.entries[instrumentID] = e
	}
	d.seq++
	e.pendingSeq = d.seq
	e.instrument.PendingRequestID = requestID
	e.instrument.PendingSince = d.now()
}

// -----------------------------------------------------------------------------

// LookupByPendingRequest finds the instrument waiting on requestID. The
// pending id is not cleared, so a repeated response resolves again.
func (d *Directory) LookupByPendingRequest(requestID string) (models.MInstrument, bool) {
	if requestID == "" {
		return models.MInstrument{}, false
	}

	var best *entry
	for _, e := range d.entries {
		if e.instrument.PendingRequestID != requestID || d.expired(e) {
			continue
		}
		if best == nil || e.pendingSeq > best.pendingSeq {
			best = e
		}
	}
	if best == nil {
		return models.MInstrument{}, false
	}
	return best.instrument, true
}

func (d *Directory) expired(e *entry) bool {
	return d.ttl > 0 && d.now().Sub(e.instrument.PendingSince) > d.ttl
}

// -----------------------------------------------------------------------------

func (d *Directory) LookupByID(id int64) (models.MInstrument, bool) {
	e, ok := d.entries[id]
	if !ok {
		return models.MInstrument{}, false
	}
	return e.instrument, true
}

// Snapshot returns every instrument ordered by id.
func (d *Directory) Snapshot() []models.MInstrument {
	out := make([]models.MInstrument, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.instrument)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Len() int {
	return len(d.entries)
}
