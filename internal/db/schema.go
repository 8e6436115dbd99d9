package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ReadingChunkInterval is the hypertable chunk width for the data table, in
// milliseconds of unix_time (one day).
const ReadingChunkInterval = 86400000

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         UUID PRIMARY KEY,
		username   TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS locations (
		id         UUID PRIMARY KEY,
		city       TEXT NOT NULL,
		state      TEXT NOT NULL,
		country    TEXT NOT NULL,
		latitude   DOUBLE PRECISION NOT NULL DEFAULT 0,
		longitude  DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (city, state, country)
	)`,
	`CREATE TABLE IF NOT EXISTS measurements (
		id         UUID PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		unit       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id          UUID PRIMARY KEY,
		client_id   TEXT NOT NULL,
		user_id     UUID NOT NULL REFERENCES users (id),
		location_id UUID NOT NULL REFERENCES locations (id),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (client_id, location_id)
	)`,
	`CREATE TABLE IF NOT EXISTS data (
		unix_time      BIGINT NOT NULL,
		base_time      TIMESTAMPTZ NOT NULL,
		variable_value DOUBLE PRECISION NOT NULL,
		device_id      UUID NOT NULL REFERENCES devices (id),
		variable_id    UUID NOT NULL REFERENCES measurements (id)
	)`,
	`CREATE INDEX IF NOT EXISTS data_series_idx ON data (device_id, variable_id, unix_time DESC)`,
}

// Migrate creates the receiver tables if they do not exist and converts the
// data table into a hypertable when TimescaleDB is installed. It reports
// whether the hypertable conversion was applied.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return false, fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	var timescale bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&timescale)
	if err != nil {
		return false, fmt.Errorf("failed to check timescaledb extension: %w", err)
	}

	if timescale {
		_, err = tx.Exec(ctx,
			`SELECT create_hypertable('data', 'unix_time', if_not_exists => TRUE, chunk_time_interval => $1::bigint)`,
			ReadingChunkInterval,
		)
		if err != nil {
			return false, fmt.Errorf("failed to create hypertable: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit schema: %w", err)
	}

	return timescale, nil
}
