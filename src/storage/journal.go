// Package storage keeps raw upstream frames for protocol study and replay.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"market-relay/src/helpers"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/pkg/errors"
)

// ErrNoRuns is returned when the latest run is asked for on an empty journal.
var ErrNoRuns = errors.New("journal holds no recorded runs")

// dialect covers what differs between the SQL backends.
type dialect struct {
	placeholder func(n int) string
	table       func(name string) string
	serial      string
	integer     string
	blob        string
}

// -----------------------------------------------------------------------------
// sqlJournal is the backend-independent part of the frame journal.
// -----------------------------------------------------------------------------

type sqlJournal struct {
	DB     *sql.DB
	Logger *logger.Logger

	dialect dialect
}

// -----------------------------------------------------------------------------

func (j *sqlJournal) setupTables(ctx context.Context, recreate bool) error {
	runs, frames := j.dialect.table("runs"), j.dialect.table("frames")

	if recreate {
		for _, t := range []string{frames, runs} {
			if _, err := j.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
				return helpers.NewStorageError("drop "+t, err)
			}
		}
	}

	queries := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id %s,
				run_id TEXT NOT NULL UNIQUE,
				started_at %s NOT NULL
			)`, runs, j.dialect.serial, j.dialect.integer),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				run_id TEXT NOT NULL,
				seq %s NOT NULL,
				direction TEXT NOT NULL,
				payload %s NOT NULL,
				captured_at %s NOT NULL,
				PRIMARY KEY (run_id, seq)
			)`, frames, j.dialect.integer, j.dialect.blob, j.dialect.integer),
	}
	for _, q := range queries {
		if _, err := j.DB.ExecContext(ctx, q); err != nil {
			return helpers.NewStorageError("create journal tables", err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

func (j *sqlJournal) SaveFrames(ctx context.Context, frames []models.MJournalFrame) error {
	if len(frames) == 0 {
		return nil
	}
	if j.DB == nil {
		return helpers.NewStorageError("save frames", errors.New("journal not initialized"))
	}

	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return helpers.NewStorageError("begin", err)
	}
	defer tx.Rollback()

	p := j.dialect.placeholder
	runStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (run_id, started_at) VALUES (%s, %s) ON CONFLICT (run_id) DO NOTHING",
		j.dialect.table("runs"), p(1), p(2)))
	if err != nil {
		return helpers.NewStorageError("prepare run insert", err)
	}
	defer runStmt.Close()

	frameStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (run_id, seq, direction, payload, captured_at) VALUES (%s, %s, %s, %s, %s)",
		j.dialect.table("frames"), p(1), p(2), p(3), p(4), p(5)))
	if err != nil {
		return helpers.NewStorageError("prepare frame insert", err)
	}
	defer frameStmt.Close()

	seen := make(map[string]bool)
	for _, f := range frames {
		if !seen[f.RunID] {
			seen[f.RunID] = true
			if _, err := runStmt.ExecContext(ctx, f.RunID, f.CapturedAt.UnixNano()); err != nil {
				return helpers.NewStorageError("insert run "+f.RunID, err)
			}
		}
		payload := f.Payload
		if payload == nil {
			payload = []byte{}
		}
		if _, err := frameStmt.ExecContext(ctx, f.RunID, f.Sequence, string(f.Direction), payload, f.CapturedAt.UnixNano()); err != nil {
			return helpers.NewStorageError(fmt.Sprintf("insert frame %s/%d", f.RunID, f.Sequence), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return helpers.NewStorageError("commit", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (j *sqlJournal) LoadFrames(ctx context.Context, runID string) ([]models.MJournalFrame, error) {
	if j.DB == nil {
		return nil, helpers.NewStorageError("load frames", errors.New("journal not initialized"))
	}

	if runID == "" {
		latest, err := j.latestRun(ctx)
		if err != nil {
			return nil, err
		}
		runID = latest
	}

	rows, err := j.DB.QueryContext(ctx, fmt.Sprintf(
		"SELECT seq, direction, payload, captured_at FROM %s WHERE run_id = %s ORDER BY seq",
		j.dialect.table("frames"), j.dialect.placeholder(1)), runID)
	if err != nil {
		return nil, helpers.NewStorageError("query frames", err)
	}
	defer rows.Close()

	var out []models.MJournalFrame
	for rows.Next() {
		var (
			f         models.MJournalFrame
			direction string
			captured  int64
		)
		if err := rows.Scan(&f.Sequence, &direction, &f.Payload, &captured); err != nil {
			return nil, helpers.NewStorageError("scan frame", err)
		}
		f.RunID = runID
		f.Direction = models.Direction(direction)
		f.CapturedAt = time.Unix(0, captured)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, helpers.NewStorageError("read frames", err)
	}
	return out, nil
}

// -----------------------------------------------------------------------------

// ListRuns returns recorded run ids, oldest first.
func (j *sqlJournal) ListRuns(ctx context.Context) ([]string, error) {
	rows, err := j.DB.QueryContext(ctx, "SELECT run_id FROM "+j.dialect.table("runs")+" ORDER BY id")
	if err != nil {
		return nil, helpers.NewStorageError("query runs", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, helpers.NewStorageError("scan run", err)
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

func (j *sqlJournal) latestRun(ctx context.Context) (string, error) {
	var id string
	err := j.DB.QueryRowContext(ctx, "SELECT run_id FROM "+j.dialect.table("runs")+" ORDER BY id DESC LIMIT 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", helpers.NewStorageError("latest run", ErrNoRuns)
	}
	if err != nil {
		return "", helpers.NewStorageError("latest run", err)
	}
	return id, nil
}

// -----------------------------------------------------------------------------

func (j *sqlJournal) Close() error {
	if j.DB != nil {
		return j.DB.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Factory
// -----------------------------------------------------------------------------

// NewFrameJournal returns the backend named by storage.db_type. recreate
// drops previous runs on Initialize; replay opens the journal without it.
func NewFrameJournal(cfg *models.MConfig, log *logger.Logger, recreate bool) (interfaces.IFrameJournal, error) {
	switch strings.ToLower(cfg.Storage.DBType) {
	case "", "sqlite":
		j := NewSQLiteJournal(cfg, log)
		j.Recreate = recreate
		return j, nil
	case "postgres", "postgresql":
		j, err := NewPostgresJournal(cfg, log)
		if err != nil {
			return nil, err
		}
		j.Recreate = recreate
		return j, nil
	default:
		return nil, helpers.NewConfigurationError("unsupported storage.db_type "+cfg.Storage.DBType, nil)
	}
}
