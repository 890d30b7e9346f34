// Package database provides the DuckDB client and embedded schema used by
// pkg/repository to back the GameSessionRepository (spec §6.4).
package database

import (
	"context"
	stdsql "database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb" // registers the "duckdb" database/sql driver
)

//go:embed schema.sql
var schemaSQL string

// Client wraps a DuckDB *sql.DB connection.
type Client struct {
	db *stdsql.DB
}

// DB returns the underlying connection for direct queries.
func (c *Client) DB() *stdsql.DB {
	return c.db
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClientFromDB wraps an existing *sql.DB (useful for in-memory tests).
func NewClientFromDB(db *stdsql.DB) *Client {
	return &Client{db: db}
}

// NewClient opens cfg.Path (a DuckDB file, or ":memory:") and applies the
// embedded schema. Unlike the teacher's Postgres + golang-migrate setup,
// DuckDB has no upstream migrate dialect driver, so the schema is applied
// directly as idempotent CREATE TABLE/SEQUENCE IF NOT EXISTS statements
// (see DESIGN.md for the dropped-dependency rationale).
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := stdsql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb database: %w", err)
	}
	db.SetMaxOpenConns(1) // DuckDB's single-process file lock: one writer at a time

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Client{db: db}, nil
}

// nextID draws the next value from seq, used in place of an auto-increment
// column (DuckDB has no SERIAL type).
func nextID(ctx context.Context, db *stdsql.DB, seq string) (int64, error) {
	var id int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT nextval('%s')", seq)).Scan(&id); err != nil {
		return 0, fmt.Errorf("drawing next id from %s: %w", seq, err)
	}
	return id, nil
}

// NextID exposes nextID to pkg/repository.
func NextID(ctx context.Context, c *Client, seq string) (int64, error) {
	return nextID(ctx, c.db, seq)
}

// Now is a small indirection so tests can fix the clock if ever needed;
// production code always uses wall time.
var Now = time.Now
