package merge

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/atlasfoods/lakehouse/pkg/duck"
)

// Run is one load run's bookkeeping row. The coordinator owns the state
// machine; this package only persists it.
type Run struct {
	ID           string
	Mode         string
	State        string
	Tables       []string
	StartedAt    time.Time
	UpdatedAt    time.Time
	RowsAffected int64
	Error        string
}

var runsTable = duck.TableConfig{
	Name: "meta_runs",
	Columns: []string{
		"run_id:VARCHAR",
		"mode:VARCHAR",
		"state:VARCHAR",
		"tables:VARCHAR",
		"started_at:TIMESTAMP",
		"updated_at:TIMESTAMP",
		"rows_affected:BIGINT",
		"error:VARCHAR",
	},
	KeyColumns: []string{"run_id"},
}

// RecordRun upserts a run's current state into meta_runs.
func (e *Engine) RecordRun(ctx context.Context, run Run) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return duck.MergeTableViaCSV(ctx, e.log, conn, runsTable, 1, func(w *csv.Writer, _ int) error {
		return w.Write([]string{
			run.ID,
			run.Mode,
			run.State,
			strings.Join(run.Tables, ","),
			timestamp(run.StartedAt),
			timestamp(run.UpdatedAt),
			fmt.Sprintf("%d", run.RowsAffected),
			run.Error,
		})
	})
}

// Runs returns the most recent runs, newest first.
func (e *Engine) Runs(ctx context.Context, limit int) ([]Run, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := duck.CreateTableIfNotExists(ctx, e.log, conn, runsTable); err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT run_id, mode, state, tables, started_at, updated_at, rows_affected, error
		FROM meta_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var tables string
		if err := rows.Scan(&r.ID, &r.Mode, &r.State, &tables, &r.StartedAt, &r.UpdatedAt, &r.RowsAffected, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if tables != "" {
			r.Tables = strings.Split(tables, ",")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return out, nil
}

// WatermarkRow is one entry of meta_watermarks.
type WatermarkRow struct {
	Table     string
	Watermark time.Time
	UpdatedAt time.Time
}

// Watermarks returns all recorded watermarks ordered by table name.
func (e *Engine) Watermarks(ctx context.Context) ([]WatermarkRow, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := duck.CreateTableIfNotExists(ctx, e.log, conn, watermarksTable); err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx,
		"SELECT table_name, watermark, updated_at FROM meta_watermarks ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	var out []WatermarkRow
	for rows.Next() {
		var w WatermarkRow
		if err := rows.Scan(&w.Table, &w.Watermark, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watermarks: %w", err)
	}
	return out, nil
}
