// Package classifier routes upstream frames by message kind, keeps the
// instrument directory current and publishes tick and batch events.
package classifier

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"market-relay/src/directory"
	"market-relay/src/helpers"
	"market-relay/src/models"
	"market-relay/src/pubsub"
)

// Classifier is not safe for concurrent use; the engine loop owns it.
type Classifier struct {
	cfg     Config
	dir     *directory.Directory
	ticks   *pubsub.Channel[models.MTickUpdateEvent]
	batches *pubsub.Channel[models.MBatchCandleEvent]
	stats   models.MClassifierStats
}

func New(
	cfg Config,
	dir *directory.Directory,
	ticks *pubsub.Channel[models.MTickUpdateEvent],
	batches *pubsub.Channel[models.MBatchCandleEvent],
) *Classifier {
	return &Classifier{
		cfg:     cfg,
		dir:     dir,
		ticks:   ticks,
		batches: batches,
		stats:   models.MClassifierStats{Dropped: make(map[string]int64)},
	}
}

// Stats returns a copy of the counters.
func (c *Classifier) Stats() models.MClassifierStats {
	out := c.stats
	out.Dropped = make(map[string]int64, len(c.stats.Dropped))
	for k, v := range c.stats.Dropped {
		out.Dropped[k] = v
	}
	return out
}

// Handle dispatches a captured frame by direction.
func (c *Classifier) Handle(frame models.MFrame) error {
	if frame.Direction == models.DirectionOutbound {
		return c.HandleOutbound(frame.Payload)
	}
	return c.HandleInbound(frame.Payload)
}

// -----------------------------------------------------------------------------
// Inbound
// -----------------------------------------------------------------------------

// HandleInbound classifies one server-to-client frame. Unknown kinds are
// ignored; a returned error means the frame was dropped.
func (c *Classifier) HandleInbound(payload []byte) error {
	c.stats.InboundFrames++

	var env envelopeWire
	if err := json.Unmarshal(payload, &env); err != nil {
		return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, "decode inbound envelope", err))
	}

	switch env.Name {
	case c.cfg.TickKind:
		return c.handleTick(env)
	case c.cfg.SnapshotKind:
		return c.handleSnapshot(env)
	case c.cfg.HistoryKind:
		return c.handleHistory(env)
	default:
		c.stats.Ignored++
		return nil
	}
}

func (c *Classifier) handleTick(env envelopeWire) error {
	var ref activeRefWire
	if err := json.Unmarshal(env.Msg, &ref); err != nil {
		return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, "decode "+env.Name, err))
	}
	if ref.ActiveID == nil {
		return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, env.Name+" without active_id", nil))
	}

	var tick models.MTick
	if err := json.Unmarshal(env.Msg, &tick); err != nil {
		return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, "decode "+env.Name, err))
	}

	inst, ok := c.dir.LookupByID(*ref.ActiveID)
	if !ok {
		return c.drop(helpers.NewClassificationError(helpers.ReasonUnknownInstrument,
			"tick for unknown instrument "+strconv.FormatInt(*ref.ActiveID, 10), nil))
	}

	c.ticks.Publish(models.MTickUpdateEvent{
		Topic:          env.Name,
		InstrumentName: inst.Name,
		Tick:           tick,
	})
	c.stats.TicksPublished++
	return nil
}

func (c *Classifier) handleHistory(env envelopeWire) error {
	requestID := normalizeRequestID(env.RequestID)
	if requestID == "" {
		return c.drop(helpers.NewClassificationError(helpers.ReasonUnmatchedCorrelation, env.Name+" without request_id", nil))
	}

	var hist historyWire
	if err := json.Unmarshal(env.Msg, &hist); err != nil {
		return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, "decode "+env.Name, err))
	}
	if hist.Candles == nil {
		return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, env.Name+" without candles", nil))
	}

	inst, ok := c.dir.LookupByPendingRequest(requestID)
	if !ok {
		return c.drop(helpers.NewClassificationError(helpers.ReasonUnmatchedCorrelation,
			"no instrument waiting on request "+requestID, nil))
	}

	c.batches.Publish(models.MBatchCandleEvent{
		Topic:          env.Name,
		InstrumentName: inst.Name,
		Ticks:          *hist.Candles,
	})
	c.stats.BatchesPublished++
	return nil
}

func (c *Classifier) handleSnapshot(env envelopeWire) error {
	entries, err := parseSnapshot(env.Msg)
	if err != nil {
		return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, "decode "+env.Name, err))
	}
	c.dir.UpsertFromSnapshot(entries)
	c.stats.SnapshotsApplied++
	return nil
}

// -----------------------------------------------------------------------------
// Outbound
// -----------------------------------------------------------------------------

// HandleOutbound inspects a client-to-server frame and records the
// correlation id of history requests. Everything else is ignored.
func (c *Classifier) HandleOutbound(payload []byte) error {
	c.stats.OutboundFrames++

	var env envelopeWire
	if err := json.Unmarshal(payload, &env); err != nil {
		return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, "decode outbound envelope", err))
	}

	inner := innerRequestWire{Name: env.Name, Body: env.Body}
	if env.Name == c.cfg.SendWrapper {
		if err := json.Unmarshal(env.Msg, &inner); err != nil {
			return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, "decode "+env.Name+" payload", err))
		}
	} else if len(inner.Body) == 0 {
		inner.Body = env.Msg
	}

	if inner.Name != c.cfg.HistoryRequest {
		return nil
	}

	var ref activeRefWire
	if len(inner.Body) > 0 {
		if err := json.Unmarshal(inner.Body, &ref); err != nil {
			return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, "decode "+inner.Name+" body", err))
		}
	}
	if ref.ActiveID == nil {
		return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, inner.Name+" without active_id", nil))
	}

	requestID := normalizeRequestID(env.RequestID)
	if requestID == "" {
		return c.drop(helpers.NewClassificationError(helpers.ReasonMalformed, inner.Name+" without request_id", nil))
	}

	c.dir.RecordPendingRequest(*ref.ActiveID, requestID)
	c.stats.RequestsRecorded++
	return nil
}

// -----------------------------------------------------------------------------

func (c *Classifier) drop(err error) error {
	if reason, ok := helpers.ClassificationReasonOf(err); ok {
		c.stats.Dropped[string(reason)]++
	}
	return err
}

// normalizeRequestID accepts both "42" and 42 on the wire.
func normalizeRequestID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// -----------------------------------------------------------------------------
// Directory snapshot
// -----------------------------------------------------------------------------

// parseSnapshot reads instrument entries from msg. Accepted layouts:
// an array of entries, {"actives": {...}}, {"<group>": {"actives": {...}}, ...}
// or the id-keyed map itself.
func parseSnapshot(msg json.RawMessage) ([]models.MSnapshotEntry, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []snapshotEntryWire
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		out := make([]models.MSnapshotEntry, 0, len(list))
		for _, w := range list {
			if e, ok := w.entry(""); ok {
				out = append(out, e)
			}
		}
		return out, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return nil, err
	}
	if top == nil {
		return nil, errNotObject
	}

	if actives, ok := top["actives"]; ok {
		return parseActivesMap(actives)
	}

	var out []models.MSnapshotEntry
	grouped := false
	for _, key := range sortedKeys(top) {
		var group struct {
			Actives json.RawMessage `json:"actives"`
		}
		if json.Unmarshal(top[key], &group) != nil || len(group.Actives) == 0 {
			continue
		}
		grouped = true
		entries, err := parseActivesMap(group.Actives)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	if grouped {
		return out, nil
	}
	return parseActivesMap(trimmed)
}

func parseActivesMap(raw json.RawMessage) ([]models.MSnapshotEntry, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	out := make([]models.MSnapshotEntry, 0, len(m))
	for _, key := range sortedKeys(m) {
		var w snapshotEntryWire
		if err := json.Unmarshal(m[key], &w); err != nil {
			// non-object values (counters, flags) sit next to entries
			continue
		}
		if e, ok := w.entry(key); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (w snapshotEntryWire) entry(key string) (models.MSnapshotEntry, bool) {
	name := w.Ticker
	if name == "" {
		name = w.Name
	}
	if w.ID != nil {
		return models.MSnapshotEntry{ID: *w.ID, Name: name}, true
	}
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return models.MSnapshotEntry{}, false
	}
	return models.MSnapshotEntry{ID: id, Name: name}, true
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
