package classifier

import (
	"encoding/json"
	"testing"

	"market-relay/src/directory"
	"market-relay/src/helpers"
	"market-relay/src/models"
	"market-relay/src/pubsub"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	c       *Classifier
	dir     *directory.Directory
	ticks   []models.MTickUpdateEvent
	batches []models.MBatchCandleEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dir: directory.New()}
	ticks := pubsub.NewChannel[models.MTickUpdateEvent]("ticks")
	batches := pubsub.NewChannel[models.MBatchCandleEvent]("batches")
	ticks.Subscribe(func(ev models.MTickUpdateEvent) { h.ticks = append(h.ticks, ev) })
	batches.Subscribe(func(ev models.MBatchCandleEvent) { h.batches = append(h.batches, ev) })
	h.c = New(DefaultConfig(), h.dir, ticks, batches)
	return h
}

func requireReason(t *testing.T, err error, want helpers.ClassificationReason) {
	t.Helper()
	require.Error(t, err)
	reason, ok := helpers.ClassificationReasonOf(err)
	require.True(t, ok, "expected classification error, got %v", err)
	assert.Equal(t, want, reason)
}

func TestEndToEndTickAndHistory(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"directory-snapshot","msg":{"actives":{"1":{"id":1,"name":"EURUSD"}}}}`)))
	require.NoError(t, h.c.HandleOutbound([]byte(`{"name":"request-history","request_id":"r-1","body":{"active_id":1}}`)))
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"history-batch","request_id":"r-1","msg":{"candles":[{"open":1.1},{"open":1.2}]}}`)))
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"tick-generated","msg":{"active_id":1,"close":1.1005,"phase":"T"}}`)))

	require.Len(t, h.batches, 1)
	assert.Equal(t, "history-batch", h.batches[0].Topic)
	assert.Equal(t, "EURUSD", h.batches[0].InstrumentName)
	require.Len(t, h.batches[0].Ticks, 2)
	assert.Equal(t, 1.1, h.batches[0].Ticks[0].Open)
	assert.Equal(t, 1.2, h.batches[0].Ticks[1].Open)

	require.Len(t, h.ticks, 1)
	assert.Equal(t, "tick-generated", h.ticks[0].Topic)
	assert.Equal(t, "EURUSD", h.ticks[0].InstrumentName)
	assert.Equal(t, int64(1), h.ticks[0].Tick.InstrumentID)
	assert.Equal(t, 1.1005, h.ticks[0].Tick.Close)
	assert.Equal(t, "T", h.ticks[0].Tick.Phase)

	stats := h.c.Stats()
	assert.Equal(t, int64(3), stats.InboundFrames)
	assert.Equal(t, int64(1), stats.OutboundFrames)
	assert.Equal(t, int64(1), stats.TicksPublished)
	assert.Equal(t, int64(1), stats.BatchesPublished)
}

func TestCandlesAreForwardedVerbatim(t *testing.T) {
	h := newHarness(t)
	h.dir.UpsertFromSnapshot([]models.MSnapshotEntry{{ID: 1, Name: "EURUSD"}})
	require.NoError(t, h.c.HandleOutbound([]byte(`{"name":"request-history","request_id":"r-1","body":{"active_id":1}}`)))

	first := `{"id":1,"from":1700000000,"to":1700000005,"open":1.1,"at":1700000000123456789}`
	second := `{"id":2,"from":1700000000.5,"close":1.2}`
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"history-batch","request_id":"r-1","msg":{"candles":[`+first+`,`+second+`]}}`)))

	require.Len(t, h.batches, 1)
	out, err := json.Marshal(models.NewBatchMessage(h.batches[0]))
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"history-batch","active":"EURUSD","candles":[`+first+`,`+second+`]}`, string(out))

	// typed fields stay usable where the value fits
	assert.Equal(t, int64(1), h.batches[0].Ticks[0].SequenceID)
	assert.Equal(t, 1.2, h.batches[0].Ticks[1].Close)

	tick := `{"active_id":1,"close":1.1005,"value":1.1004}`
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"tick-generated","msg":`+tick+`}`)))
	require.Len(t, h.ticks, 1)
	out, err = json.Marshal(models.NewTickMessage(h.ticks[0]))
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"tick-generated","active":"EURUSD","candle":`+tick+`}`, string(out))
}

func TestTickForUnknownInstrumentIsDropped(t *testing.T) {
	h := newHarness(t)

	err := h.c.HandleInbound([]byte(`{"name":"tick-generated","msg":{"active_id":999,"close":1}}`))

	requireReason(t, err, helpers.ReasonUnknownInstrument)
	assert.Empty(t, h.ticks)
	assert.Equal(t, int64(1), h.c.Stats().Dropped["unknown_instrument"])
}

func TestUnmatchedHistoryIsDropped(t *testing.T) {
	h := newHarness(t)
	h.dir.UpsertFromSnapshot([]models.MSnapshotEntry{{ID: 1, Name: "EURUSD"}})

	err := h.c.HandleInbound([]byte(`{"name":"history-batch","request_id":"nobody","msg":{"candles":[]}}`))
	requireReason(t, err, helpers.ReasonUnmatchedCorrelation)

	err = h.c.HandleInbound([]byte(`{"name":"history-batch","msg":{"candles":[]}}`))
	requireReason(t, err, helpers.ReasonUnmatchedCorrelation)

	assert.Empty(t, h.batches)
}

func TestRepeatedHistoryResponseResolvesAgain(t *testing.T) {
	h := newHarness(t)
	h.dir.UpsertFromSnapshot([]models.MSnapshotEntry{{ID: 7, Name: "GBPUSD"}})
	require.NoError(t, h.c.HandleOutbound([]byte(`{"name":"request-history","request_id":"r","body":{"active_id":7}}`)))

	for i := 0; i < 2; i++ {
		require.NoError(t, h.c.HandleInbound([]byte(`{"name":"history-batch","request_id":"r","msg":{"candles":[]}}`)))
	}

	require.Len(t, h.batches, 2)
	assert.NotNil(t, h.batches[1].Ticks)
	assert.Empty(t, h.batches[1].Ticks)
}

func TestNumericRequestIDsCorrelate(t *testing.T) {
	h := newHarness(t)
	h.dir.UpsertFromSnapshot([]models.MSnapshotEntry{{ID: 1, Name: "EURUSD"}})

	require.NoError(t, h.c.HandleOutbound([]byte(`{"name":"request-history","request_id":42,"body":{"active_id":1}}`)))
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"history-batch","request_id":"42","msg":{"candles":[{"id":5}]}}`)))

	require.Len(t, h.batches, 1)
	assert.Equal(t, int64(5), h.batches[0].Ticks[0].SequenceID)
}

func TestOutboundSendWrapper(t *testing.T) {
	h := newHarness(t)
	h.dir.UpsertFromSnapshot([]models.MSnapshotEntry{{ID: 3, Name: "USDJPY"}})

	frame := `{"name":"sendMessage","request_id":"w-1","msg":{"name":"request-history","version":"2.0","body":{"active_id":3,"size":60,"count":10}}}`
	require.NoError(t, h.c.HandleOutbound([]byte(frame)))

	inst, ok := h.dir.LookupByPendingRequest("w-1")
	require.True(t, ok)
	assert.Equal(t, "USDJPY", inst.Name)
}

func TestOutboundIgnoresOtherRequests(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.HandleOutbound([]byte(`{"name":"sendMessage","request_id":"1","msg":{"name":"heartbeat","body":{}}}`)))
	require.NoError(t, h.c.HandleOutbound([]byte(`{"name":"subscribeMessage","msg":{"name":"tick-generated"}}`)))

	assert.Equal(t, 0, h.dir.Len())
	assert.Equal(t, int64(0), h.c.Stats().RequestsRecorded)
}

func TestOutboundMalformed(t *testing.T) {
	h := newHarness(t)

	requireReason(t, h.c.HandleOutbound([]byte(`not json`)), helpers.ReasonMalformed)
	requireReason(t, h.c.HandleOutbound([]byte(`{"name":"request-history","request_id":"x","body":{}}`)), helpers.ReasonMalformed)
	requireReason(t, h.c.HandleOutbound([]byte(`{"name":"request-history","body":{"active_id":1}}`)), helpers.ReasonMalformed)
	assert.Equal(t, 0, h.dir.Len())
}

func TestInboundMalformedIsNonFatal(t *testing.T) {
	h := newHarness(t)

	requireReason(t, h.c.HandleInbound([]byte(`{"name":`)), helpers.ReasonMalformed)
	requireReason(t, h.c.HandleInbound([]byte(`{"name":"tick-generated","msg":{"close":1}}`)), helpers.ReasonMalformed)
	requireReason(t, h.c.HandleInbound([]byte(`{"name":"tick-generated","msg":"oops"}`)), helpers.ReasonMalformed)
	requireReason(t, h.c.HandleInbound([]byte(`{"name":"history-batch","request_id":"r","msg":{}}`)), helpers.ReasonMalformed)
	requireReason(t, h.c.HandleInbound([]byte(`{"name":"directory-snapshot","msg":null}`)), helpers.ReasonMalformed)

	// the classifier keeps working afterwards
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"directory-snapshot","msg":{"actives":{"1":{"name":"EURUSD"}}}}`)))
	assert.Equal(t, 1, h.dir.Len())
	assert.Equal(t, int64(5), h.c.Stats().Dropped["malformed"])
}

func TestUnknownKindsAreIgnored(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"heartbeat","msg":1}`)))
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"timeSync","msg":1700000000000}`)))

	assert.Equal(t, int64(2), h.c.Stats().Ignored)
	assert.Empty(t, h.ticks)
	assert.Empty(t, h.batches)
}

func TestSnapshotLayouts(t *testing.T) {
	cases := map[string]struct {
		msg  string
		want []models.MSnapshotEntry
	}{
		"actives map": {
			msg:  `{"actives":{"1":{"id":1,"name":"EURUSD"},"2":{"id":2,"name":"GBPUSD"}}}`,
			want: []models.MSnapshotEntry{{ID: 1, Name: "EURUSD"}, {ID: 2, Name: "GBPUSD"}},
		},
		"grouped actives": {
			msg:  `{"binary":{"actives":{"1":{"id":1,"ticker":"EURUSD","name":"front.EURUSD"}}},"turbo":{"actives":{"76":{"id":76,"ticker":"EURUSD-OTC"}}},"currency":"USD"}`,
			want: []models.MSnapshotEntry{{ID: 1, Name: "EURUSD"}, {ID: 76, Name: "EURUSD-OTC"}},
		},
		"bare map keyed by id": {
			msg:  `{"5":{"name":"AUDCAD"},"total":2}`,
			want: []models.MSnapshotEntry{{ID: 5, Name: "AUDCAD"}},
		},
		"array": {
			msg:  `[{"id":9,"name":"BTCUSD"},{"name":"no id"}]`,
			want: []models.MSnapshotEntry{{ID: 9, Name: "BTCUSD"}},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := parseSnapshot([]byte(tc.msg))
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, got)
		})
	}
}

func TestSnapshotDoesNotTouchPendingRequests(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.HandleOutbound([]byte(`{"name":"request-history","request_id":"r-1","body":{"active_id":1}}`)))
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"directory-snapshot","msg":{"actives":{"1":{"id":1,"name":"EURUSD"}}}}`)))

	inst, ok := h.dir.LookupByPendingRequest("r-1")
	require.True(t, ok)
	assert.Equal(t, "EURUSD", inst.Name)
}

func TestConfiguredKindNames(t *testing.T) {
	h := newHarness(t)
	h.c = New(ConfigFromModel(models.MProtocolConfig{
		TickKind:       "candle-generated",
		SnapshotKind:   "initialization-data",
		HistoryKind:    "candles",
		HistoryRequest: "get-candles",
	}), h.dir, h.c.ticks, h.c.batches)

	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"initialization-data","msg":{"binary":{"actives":{"1":{"id":1,"name":"EURUSD"}}}}}`)))
	require.NoError(t, h.c.HandleOutbound([]byte(`{"name":"sendMessage","request_id":"9","msg":{"name":"get-candles","body":{"active_id":1}}}`)))
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"candles","request_id":"9","msg":{"candles":[{"close":2}]}}`)))
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"candle-generated","msg":{"active_id":1,"close":3}}`)))
	require.NoError(t, h.c.HandleInbound([]byte(`{"name":"tick-generated","msg":{"active_id":1}}`)))

	require.Len(t, h.batches, 1)
	assert.Equal(t, "candles", h.batches[0].Topic)
	require.Len(t, h.ticks, 1)
	assert.Equal(t, "candle-generated", h.ticks[0].Topic)
}

func TestHandleRoutesByDirection(t *testing.T) {
	h := newHarness(t)
	h.dir.UpsertFromSnapshot([]models.MSnapshotEntry{{ID: 1, Name: "EURUSD"}})

	require.NoError(t, h.c.Handle(models.MFrame{Direction: models.DirectionOutbound, Payload: []byte(`{"name":"request-history","request_id":"a","body":{"active_id":1}}`)}))
	require.NoError(t, h.c.Handle(models.MFrame{Direction: models.DirectionInbound, Payload: []byte(`{"name":"history-batch","request_id":"a","msg":{"candles":[]}}`)}))

	assert.Len(t, h.batches, 1)
}
