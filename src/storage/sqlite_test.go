package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T, path string, recreate bool) *SQLiteJournal {
	t.Helper()
	cfg := &models.MConfig{}
	cfg.Storage.DBPath = path
	j := NewSQLiteJournal(cfg, logger.NewNop("journal"))
	j.Recreate = recreate
	require.NoError(t, j.Initialize(context.Background()))
	t.Cleanup(func() { j.Close() })
	return j
}

func frame(run string, seq int64, dir models.Direction, payload string, at time.Time) models.MJournalFrame {
	return models.MJournalFrame{
		RunID:    run,
		Sequence: seq,
		MFrame:   models.MFrame{Direction: dir, Payload: []byte(payload), CapturedAt: at},
	}
}

func TestSQLiteJournalRoundTrip(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t, filepath.Join(t.TempDir(), "frames.db"), true)

	base := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	require.NoError(t, j.SaveFrames(ctx, []models.MJournalFrame{
		frame("run-a", 2, models.DirectionOutbound, `{"name":"sendMessage"}`, base.Add(time.Millisecond)),
		frame("run-a", 1, models.DirectionInbound, `{"name":"directory-snapshot"}`, base),
	}))
	require.NoError(t, j.SaveFrames(ctx, []models.MJournalFrame{
		frame("run-b", 1, models.DirectionInbound, `{"name":"tick-generated"}`, base.Add(time.Second)),
	}))

	got, err := j.LoadFrames(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, models.DirectionInbound, got[0].Direction)
	assert.Equal(t, `{"name":"directory-snapshot"}`, string(got[0].Payload))
	assert.True(t, base.Equal(got[0].CapturedAt))
	assert.Equal(t, "run-a", got[1].RunID)
	assert.Equal(t, models.DirectionOutbound, got[1].Direction)

	latest, err := j.LoadFrames(ctx, "")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "run-b", latest[0].RunID)

	runs, err := j.ListRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-a", "run-b"}, runs)
}

func TestSQLiteJournalRecreateDropsPreviousRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "frames.db")

	first := newTestJournal(t, path, true)
	require.NoError(t, first.SaveFrames(ctx, []models.MJournalFrame{
		frame("old", 1, models.DirectionInbound, `{}`, time.Now()),
	}))
	require.NoError(t, first.Close())

	// opening for replay keeps the data
	reader := newTestJournal(t, path, false)
	got, err := reader.LoadFrames(ctx, "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.NoError(t, reader.Close())

	fresh := newTestJournal(t, path, true)
	_, err = fresh.LoadFrames(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoRuns))
	assert.Equal(t, "storage", helpers.ErrorCategory(err))
}

func TestSQLiteJournalRejectsDuplicateSequence(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t, filepath.Join(t.TempDir(), "frames.db"), true)

	f := frame("r", 1, models.DirectionInbound, `{}`, time.Now())
	require.NoError(t, j.SaveFrames(ctx, []models.MJournalFrame{f}))
	err := j.SaveFrames(ctx, []models.MJournalFrame{f})
	require.Error(t, err)
	assert.Equal(t, "storage", helpers.ErrorCategory(err))

	// the failed batch was rolled back as a whole
	got, err := j.LoadFrames(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFailedInitializeReleasesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE VIEW frames AS SELECT 1 AS x")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := &models.MConfig{}
	cfg.Storage.DBPath = path
	j := NewSQLiteJournal(cfg, logger.NewNop("journal"))
	j.Recreate = true

	for attempt := 0; attempt < 2; attempt++ {
		err := j.Initialize(context.Background())
		require.Error(t, err)
		assert.Equal(t, "storage", helpers.ErrorCategory(err))
		assert.Nil(t, j.DB, "attempt %d left a database handle behind", attempt+1)
	}
	assert.NoError(t, j.Close())
}

func TestUninitializedJournal(t *testing.T) {
	j := NewSQLiteJournal(&models.MConfig{}, logger.NewNop("journal"))
	assert.Error(t, j.SaveFrames(context.Background(), []models.MJournalFrame{{}}))
	_, err := j.LoadFrames(context.Background(), "x")
	assert.Error(t, err)
	assert.NoError(t, j.Close())
}

func TestPostgresDialect(t *testing.T) {
	j := newPostgresJournal(&models.MConfig{}, logger.NewNop("journal"), "market-relay")
	assert.Equal(t, `"market-relay"."frames"`, j.dialect.table("frames"))
	assert.Equal(t, "$3", j.dialect.placeholder(3))
	assert.Equal(t, "BYTEA", j.dialect.blob)
}

func TestNewFrameJournal(t *testing.T) {
	cfg := &models.MConfig{}
	j, err := NewFrameJournal(cfg, logger.NewNop("journal"), true)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteJournal{}, j)

	cfg.Storage.DBType = "postgres"
	j, err = NewFrameJournal(cfg, logger.NewNop("journal"), false)
	require.NoError(t, err)
	assert.IsType(t, &PostgresJournal{}, j)

	cfg.Storage.DBType = "mongo"
	_, err = NewFrameJournal(cfg, logger.NewNop("journal"), false)
	require.Error(t, err)
	assert.Equal(t, "configuration", helpers.ErrorCategory(err))
}
