// Package db is the copy worker's database layer: a thin, hand-written
// typed query layer over database/sql (no code generator is available in
// the example pack — see DESIGN.md), backed by the PostgreSQL driver
// github.com/jackc/pgx/v5/stdlib so the claim layer's SKIP LOCKED probes
// and partition-pruned UPDATEs (spec.md §4.4, §9) are expressible.
//
// Migrations are embedded and applied with github.com/pressly/goose/v3,
// following the same embed.FS + goose shape as mfinelli/modctl's
// internal/db.go, adapted from SQLite to Postgres.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a *sql.DB connected to Postgres via pgx.
type DB struct {
	*sql.DB
}

// Open connects to dsn (e.g. the NTT_DB_URL environment variable) using the
// pgx stdlib driver.
func Open(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: conn}, nil
}

// gooseProvider builds a goose provider over the embedded migrations,
// matching modctl's GooseProvider but targeting the Postgres dialect.
func gooseProvider(conn *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("prepare migrations fs: %w", err)
	}
	return goose.NewProvider(goose.DialectPostgres, conn, fsys)
}

// Migrate applies all pending migrations.
func (d *DB) Migrate(ctx context.Context) error {
	p, err := gooseProvider(d.DB)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
