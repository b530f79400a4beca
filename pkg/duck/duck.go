// Package duck provides the DuckDB/DuckLake access layer for the
// consolidation lakehouse: connection handling, CSV-staged writes, and
// retry on DuckLake transaction conflicts.
package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is a handle to an attached DuckDB catalog (plain file or DuckLake).
type DB interface {
	Catalog() string
	Schema() string
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

// Connection is a single database connection. All pipeline writes go
// through a Connection so they can share one transaction.
type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// duckDB is a plain local DuckDB database. Tests and single-node dev use
// this; production attaches a DuckLake via NewLake.
type duckDB struct {
	log     *slog.Logger
	db      *sql.DB
	catalog string
}

type duckConn struct {
	conn *sql.Conn
	db   *duckDB
}

// NewDB opens a plain DuckDB database at path. An empty path opens an
// in-memory database.
func NewDB(ctx context.Context, path string, log *slog.Logger) (*duckDB, error) {
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for database: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = abs
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	catalog := "memory"
	if path != "" {
		base := filepath.Base(path)
		catalog = base[:len(base)-len(filepath.Ext(base))]
	}
	return &duckDB{log: log, db: db, catalog: catalog}, nil
}

func (d *duckDB) Catalog() string {
	return d.catalog
}

func (d *duckDB) Schema() string {
	return "main"
}

func (d *duckDB) Close() error {
	return d.db.Close()
}

func (d *duckDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &duckConn{conn: conn, db: d}, nil
}

func (c *duckConn) DB() DB { return c.db }

func (c *duckConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *duckConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *duckConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *duckConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *duckConn) Close() error {
	return c.conn.Close()
}
