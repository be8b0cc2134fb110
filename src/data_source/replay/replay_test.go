package replay

import (
	"context"
	"testing"
	"time"

	"market-relay/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type journalMock struct {
	mock.Mock
}

func (m *journalMock) Initialize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *journalMock) SaveFrames(ctx context.Context, frames []models.MJournalFrame) error {
	return m.Called(ctx, frames).Error(0)
}

func (m *journalMock) LoadFrames(ctx context.Context, runID string) ([]models.MJournalFrame, error) {
	args := m.Called(ctx, runID)
	frames, _ := args.Get(0).([]models.MJournalFrame)
	return frames, args.Error(1)
}

func (m *journalMock) Close() error {
	return m.Called().Error(0)
}

func collect(t *testing.T, frames <-chan models.MFrame) []string {
	t.Helper()
	var out []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, string(f.Payload))
		case <-timeout:
			t.Fatal("replay did not finish")
		}
	}
}

func TestFromFramesReplaysInOrder(t *testing.T) {
	s := FromFrames([]models.MFrame{
		{Direction: models.DirectionInbound, Payload: []byte("1")},
		{Direction: models.DirectionOutbound, Payload: []byte("2")},
		{Direction: models.DirectionInbound, Payload: []byte("3")},
	})

	h, err := s.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3"}, collect(t, h.Frames()))
	<-h.Done()
	assert.NoError(t, h.Err())
	assert.NoError(t, s.Stop())
}

func TestFromJournalLoadsRun(t *testing.T) {
	j := &journalMock{}
	j.On("LoadFrames", mock.Anything, "run-1").Return([]models.MJournalFrame{
		{RunID: "run-1", Sequence: 1, MFrame: models.MFrame{Payload: []byte("a")}},
		{RunID: "run-1", Sequence: 2, MFrame: models.MFrame{Payload: []byte("b")}},
	}, nil)

	s := FromJournal(j, "run-1", WithPace(time.Millisecond))
	h, err := s.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, collect(t, h.Frames()))
	j.AssertExpectations(t)
}

func TestFromJournalLoadError(t *testing.T) {
	j := &journalMock{}
	j.On("LoadFrames", mock.Anything, "").Return(nil, assert.AnError)

	_, err := FromJournal(j, "").Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestHoldKeepsCaptureOpenUntilStop(t *testing.T) {
	s := FromFrames([]models.MFrame{{Payload: []byte("x")}}, WithHold())
	h, err := s.Start(context.Background())
	require.NoError(t, err)

	f := <-h.Frames()
	assert.Equal(t, "x", string(f.Payload))

	select {
	case <-h.Done():
		t.Fatal("capture finished while holding")
	case <-time.After(30 * time.Millisecond):
	}

	_, err = s.Start(context.Background())
	assert.Error(t, err, "second start while running")

	require.NoError(t, s.Stop())
	<-h.Done()

	// restartable after stop
	h2, err := s.Start(context.Background())
	require.NoError(t, err)
	f = <-h2.Frames()
	assert.Equal(t, "x", string(f.Payload))
	require.NoError(t, s.Stop())
	assert.Empty(t, collect(t, h2.Frames()))
}

func TestRealtimeDelay(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	s := FromFrames(nil, WithRealtime())
	frames := []models.MFrame{{CapturedAt: base}, {CapturedAt: base.Add(50 * time.Millisecond)}, {}}

	assert.Equal(t, time.Duration(0), s.delay(frames, 0))
	assert.Equal(t, 50*time.Millisecond, s.delay(frames, 1))
	assert.Equal(t, time.Duration(0), s.delay(frames, 2))
}
