package storage

import (
	"context"
	"database/sql"

	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/models"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

type SQLiteJournal struct {
	sqlJournal
	Config   *models.MConfig
	Recreate bool
}

// -----------------------------------------------------------------------------

func NewSQLiteJournal(cfg *models.MConfig, log *logger.Logger) *SQLiteJournal {
	return &SQLiteJournal{
		Config: cfg,
		sqlJournal: sqlJournal{
			Logger: log,
			dialect: dialect{
				placeholder: func(int) string { return "?" },
				table:       func(name string) string { return name },
				serial:      "INTEGER PRIMARY KEY AUTOINCREMENT",
				integer:     "INTEGER",
				blob:        "BLOB",
			},
		},
	}
}

// -----------------------------------------------------------------------------

func (d *SQLiteJournal) Initialize(ctx context.Context) error {
	dsn := d.Config.Storage.DBPath
	if dsn == "" {
		dsn = "frames.db"
	}

	// Open DB
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return helpers.NewStorageError("open sqlite "+dsn, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return helpers.NewStorageError("ping sqlite "+dsn, err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	d.DB = db

	// PRAGMA optimizations
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}

	if err := d.setupTables(ctx, d.Recreate); err != nil {
		d.DB = nil
		db.Close()
		return err
	}

	d.Logger.Info("SQLite frame journal ready (%s)", dsn)
	return nil
}
