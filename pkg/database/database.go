// Package database is the Postgres backed device store, built on bun.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"nas-connector/pkg/models"
)

type DB struct {
	*bun.DB
}

func NewDB(ctx context.Context, dsn string) (*DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the devices table if it doesn't exist
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.Device)(nil)).
		IfNotExists().
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.Device)(nil)).
		Index("devices_state_idx").
		Column("state").
		IfNotExists().
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}
