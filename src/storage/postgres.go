package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/lib/pq"
)

// -----------------------------------------------------------------------------

type PostgresJournal struct {
	sqlJournal
	Config   *models.MConfig
	Schema   string
	Recreate bool
}

// -----------------------------------------------------------------------------

// NewPostgresJournal keeps its tables in a schema named after the executable.
func NewPostgresJournal(cfg *models.MConfig, log *logger.Logger) (*PostgresJournal, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, helpers.NewStorageError("resolve executable name", err)
	}
	name := filepath.Base(exe)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	return newPostgresJournal(cfg, log, name), nil
}

func newPostgresJournal(cfg *models.MConfig, log *logger.Logger, schema string) *PostgresJournal {
	return &PostgresJournal{
		Config: cfg,
		Schema: schema,
		sqlJournal: sqlJournal{
			Logger: log,
			dialect: dialect{
				placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
				table: func(name string) string {
					return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
				},
				serial:  "BIGSERIAL PRIMARY KEY",
				integer: "BIGINT",
				blob:    "BYTEA",
			},
		},
	}
}

// -----------------------------------------------------------------------------

func (d *PostgresJournal) Initialize(ctx context.Context) error {
	dsn := d.Config.Storage.DBConnectionString
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return helpers.NewStorageError("open postgres", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return helpers.NewStorageError("ping postgres", err)
	}

	d.DB = db

	// Create Schema
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(d.Schema)); err != nil {
		d.DB = nil
		db.Close()
		return helpers.NewStorageError("create schema "+d.Schema, err)
	}

	if err := d.setupTables(ctx, d.Recreate); err != nil {
		d.DB = nil
		db.Close()
		return err
	}

	d.Logger.Info("Postgres frame journal ready (schema: %s)", d.Schema)
	return nil
}
