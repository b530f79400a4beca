package duck

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// TableConfig describes a lake table written through CSV staging.
type TableConfig struct {
	// Name is the table name.
	Name string
	// Columns defines all columns in order, each as a name:type pair,
	// e.g. "order_month:DATE", "product_key:BIGINT".
	Columns []string
	// KeyColumns are the natural key columns used by MergeTableViaCSV.
	KeyColumns []string
	// PartitionByDate if true, partitions the table by the date column in
	// DuckLake.
	PartitionByDate bool
	// DateColumn is the partition column (required if PartitionByDate).
	DateColumn string
}

// Statement is an extra SQL statement executed inside a staged write's
// transaction, e.g. a watermark advance that must commit atomically with
// the data it covers.
type Statement struct {
	SQL  string
	Args []any
}

// WriteRowFunc writes row i of a batch to the staging CSV.
type WriteRowFunc func(w *csv.Writer, i int) error

// CreateTableIfNotExists creates the table described by cfg.
func CreateTableIfNotExists(ctx context.Context, log *slog.Logger, conn Connection, cfg TableConfig) error {
	db := conn.DB()

	colDefs := make([]string, 0, len(cfg.Columns))
	for _, col := range cfg.Columns {
		name, typ, err := splitColumn(col)
		if err != nil {
			return err
		}
		colDefs = append(colDefs, fmt.Sprintf("%s %s", name, typ))
	}

	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s.%s (
		%s
	)`,
		db.Catalog(), db.Schema(), cfg.Name,
		strings.Join(colDefs, ",\n\t"))
	if _, err := conn.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create table %s: %w", cfg.Name, err)
	}

	if cfg.PartitionByDate {
		if cfg.DateColumn == "" {
			return fmt.Errorf("date_column is required when partition_by_date is true")
		}
		if _, ok := db.(*Lake); ok {
			partitionSQL := fmt.Sprintf(`ALTER TABLE %s.%s.%s SET PARTITIONED BY (year(%s), month(%s))`,
				db.Catalog(), db.Schema(), cfg.Name, cfg.DateColumn, cfg.DateColumn)
			if _, err := conn.ExecContext(ctx, partitionSQL); err != nil {
				// Repartitioning an already-partitioned table can fail; the
				// create path is idempotent either way.
				log.Debug("failed to set partitioning", "table", cfg.Name, "error", err)
			}
		}
	}

	return nil
}

// AppendTableViaCSV appends a batch to an append-only table: rows are
// staged from a temp CSV and inserted in one transaction. Used for the
// bronze layer and quarantine, which are never updated in place.
func AppendTableViaCSV(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	cfg TableConfig,
	count int,
	writeRow WriteRowFunc,
	extra ...Statement,
) error {
	start := time.Now()
	defer func() {
		log.Debug("append completed", "table", cfg.Name, "rows", count, "duration", time.Since(start).String())
	}()

	if err := CreateTableIfNotExists(ctx, log, conn, cfg); err != nil {
		return err
	}
	if count == 0 && len(extra) == 0 {
		return nil
	}

	csvPath, cleanup, err := writeTempCSV(cfg.Name, count, writeRow)
	if err != nil {
		return err
	}
	defer cleanup()

	return retryOnConflict(ctx, log, "append "+cfg.Name, func() error {
		return inTx(ctx, log, conn, cfg.Name, func(tx *sql.Tx) error {
			if count > 0 {
				stageName, err := loadStage(ctx, tx, cfg, csvPath)
				if err != nil {
					return err
				}
				cols, err := columnNames(cfg)
				if err != nil {
					return err
				}
				db := conn.DB()
				insertSQL := fmt.Sprintf(`INSERT INTO %s.%s.%s (%s) SELECT %s FROM %s`,
					db.Catalog(), db.Schema(), cfg.Name,
					strings.Join(cols, ", "), strings.Join(cols, ", "), stageName)
				if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
					return fmt.Errorf("failed to insert into %s: %w", cfg.Name, err)
				}
				dropStage(ctx, tx, log, stageName)
			}
			return execExtra(ctx, tx, extra)
		})
	})
}

// MergeTableViaCSV upserts a batch into a keyed table: existing keys get
// their non-key columns overwritten, new keys are inserted, keys absent
// from the batch are untouched. The batch must not contain duplicate keys.
// Applying the same batch twice yields the same final state.
func MergeTableViaCSV(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	cfg TableConfig,
	count int,
	writeRow WriteRowFunc,
	extra ...Statement,
) error {
	start := time.Now()
	defer func() {
		log.Debug("merge completed", "table", cfg.Name, "rows", count, "duration", time.Since(start).String())
	}()

	if len(cfg.KeyColumns) == 0 {
		return fmt.Errorf("key columns cannot be empty for merge into %s", cfg.Name)
	}
	if err := CreateTableIfNotExists(ctx, log, conn, cfg); err != nil {
		return err
	}
	if count == 0 && len(extra) == 0 {
		return nil
	}

	csvPath, cleanup, err := writeTempCSV(cfg.Name, count, writeRow)
	if err != nil {
		return err
	}
	defer cleanup()

	return retryOnConflict(ctx, log, "merge "+cfg.Name, func() error {
		return inTx(ctx, log, conn, cfg.Name, func(tx *sql.Tx) error {
			if count > 0 {
				stageName, err := loadStage(ctx, tx, cfg, csvPath)
				if err != nil {
					return err
				}
				if err := mergeFromStage(ctx, tx, conn.DB(), cfg, stageName); err != nil {
					return err
				}
				dropStage(ctx, tx, log, stageName)
			}
			return execExtra(ctx, tx, extra)
		})
	})
}

// ReplaceTableViaCSV replaces a table's full contents with the staged
// batch in one transaction. Used for the silver layer, which is a snapshot
// of the current cleaned state.
func ReplaceTableViaCSV(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	cfg TableConfig,
	count int,
	writeRow WriteRowFunc,
	extra ...Statement,
) error {
	return ReplaceScopeViaCSV(ctx, log, conn, cfg, Statement{SQL: "true"}, count, writeRow, extra...)
}

// ReplaceScopeViaCSV replaces a scoped slice of a table: rows matching the
// scope predicate are deleted and the staged batch is inserted, in one
// transaction. Used for fact months, which are always recomputed in full.
func ReplaceScopeViaCSV(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	cfg TableConfig,
	scope Statement,
	count int,
	writeRow WriteRowFunc,
	extra ...Statement,
) error {
	start := time.Now()
	defer func() {
		log.Debug("scope replace completed", "table", cfg.Name, "rows", count, "duration", time.Since(start).String())
	}()

	if scope.SQL == "" {
		return fmt.Errorf("scope predicate cannot be empty for replace into %s", cfg.Name)
	}
	if err := CreateTableIfNotExists(ctx, log, conn, cfg); err != nil {
		return err
	}

	csvPath, cleanup, err := writeTempCSV(cfg.Name, count, writeRow)
	if err != nil {
		return err
	}
	defer cleanup()

	return retryOnConflict(ctx, log, "replace "+cfg.Name, func() error {
		return inTx(ctx, log, conn, cfg.Name, func(tx *sql.Tx) error {
			db := conn.DB()
			deleteSQL := fmt.Sprintf(`DELETE FROM %s.%s.%s WHERE %s`,
				db.Catalog(), db.Schema(), cfg.Name, scope.SQL)
			if _, err := tx.ExecContext(ctx, deleteSQL, scope.Args...); err != nil {
				return fmt.Errorf("failed to delete scope from %s: %w", cfg.Name, err)
			}
			if count > 0 {
				stageName, err := loadStage(ctx, tx, cfg, csvPath)
				if err != nil {
					return err
				}
				cols, err := columnNames(cfg)
				if err != nil {
					return err
				}
				insertSQL := fmt.Sprintf(`INSERT INTO %s.%s.%s (%s) SELECT %s FROM %s`,
					db.Catalog(), db.Schema(), cfg.Name,
					strings.Join(cols, ", "), strings.Join(cols, ", "), stageName)
				if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
					return fmt.Errorf("failed to insert into %s: %w", cfg.Name, err)
				}
				dropStage(ctx, tx, log, stageName)
			}
			return execExtra(ctx, tx, extra)
		})
	})
}

func mergeFromStage(ctx context.Context, tx *sql.Tx, db DB, cfg TableConfig, stageName string) error {
	cols, err := columnNames(cfg)
	if err != nil {
		return err
	}

	keySet := make(map[string]bool, len(cfg.KeyColumns))
	for _, k := range cfg.KeyColumns {
		keySet[k] = true
	}
	var payloadCols []string
	for _, c := range cols {
		if !keySet[c] {
			payloadCols = append(payloadCols, c)
		}
	}
	if len(payloadCols) == 0 {
		return fmt.Errorf("merge into %s requires at least one non-key column", cfg.Name)
	}

	onConditions := make([]string, len(cfg.KeyColumns))
	for i, k := range cfg.KeyColumns {
		onConditions[i] = fmt.Sprintf("t.%s = s.%s", k, k)
	}
	updateSet := make([]string, len(payloadCols))
	for i, c := range payloadCols {
		updateSet[i] = fmt.Sprintf("%s = s.%s", c, c)
	}
	insertVals := make([]string, len(cols))
	for i, c := range cols {
		insertVals[i] = "s." + c
	}

	// Cast the VARCHAR stage to the target column types so MERGE compares
	// keys with the right types.
	castSelect := make([]string, len(cfg.Columns))
	for i, col := range cfg.Columns {
		name, typ, err := splitColumn(col)
		if err != nil {
			return err
		}
		castSelect[i] = fmt.Sprintf("CAST(%s AS %s) AS %s", name, typ, name)
	}

	mergeSQL := fmt.Sprintf(`MERGE INTO %s.%s.%s t
		USING (SELECT %s FROM %s) s
		ON (%s)
		WHEN MATCHED THEN UPDATE SET %s
		WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)`,
		db.Catalog(), db.Schema(), cfg.Name,
		strings.Join(castSelect, ", "), stageName,
		strings.Join(onConditions, " AND "),
		strings.Join(updateSet, ", "),
		strings.Join(cols, ", "), strings.Join(insertVals, ", "))

	if _, err := tx.ExecContext(ctx, mergeSQL); err != nil {
		return fmt.Errorf("failed to merge into %s: %w", cfg.Name, err)
	}
	return nil
}

func writeTempCSV(tableName string, count int, writeRow WriteRowFunc) (string, func(), error) {
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("%s_batch_*.csv", tableName))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() { os.Remove(tmpFile.Name()) }

	w := csv.NewWriter(tmpFile)
	for i := range count {
		if err := writeRow(w, i); err != nil {
			tmpFile.Close()
			cleanup()
			return "", nil, fmt.Errorf("failed to write CSV row %d for %s: %w", i, tableName, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmpFile.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to flush CSV for %s: %w", tableName, err)
	}
	if err := tmpFile.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close temp file for %s: %w", tableName, err)
	}
	return tmpFile.Name(), cleanup, nil
}

// loadStage creates a VARCHAR staging temp table and COPYs the CSV into it.
func loadStage(ctx context.Context, tx *sql.Tx, cfg TableConfig, csvPath string) (string, error) {
	stageName := cfg.Name + "_stage"

	colDefs := make([]string, 0, len(cfg.Columns))
	for _, col := range cfg.Columns {
		name, _, err := splitColumn(col)
		if err != nil {
			return "", err
		}
		// VARCHAR staging keeps CSV loading simple; types are applied on
		// INSERT/MERGE SELECT.
		colDefs = append(colDefs, name+" VARCHAR")
	}

	createSQL := fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE %s (
		%s
	)`, stageName, strings.Join(colDefs, ",\n\t"))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return "", fmt.Errorf("failed to create stage table for %s: %w", cfg.Name, err)
	}

	copySQL := fmt.Sprintf("COPY %s FROM '%s' (FORMAT CSV, HEADER false, NULLSTR '\\N')", stageName, csvPath)
	if _, err := tx.ExecContext(ctx, copySQL); err != nil {
		return "", fmt.Errorf("failed to COPY FROM CSV for %s: %w", cfg.Name, err)
	}
	return stageName, nil
}

func dropStage(ctx context.Context, tx *sql.Tx, log *slog.Logger, stageName string) {
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+stageName); err != nil {
		log.Error("failed to drop stage table", "stage_table", stageName, "error", err)
	}
}

func inTx(ctx context.Context, log *slog.Logger, conn Connection, tableName string, fn func(tx *sql.Tx) error) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled before transaction for %s: %w", tableName, ctx.Err())
	default:
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", tableName, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Error("failed to rollback transaction", "table", tableName, "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction for %s: %w", tableName, err)
	}
	return nil
}

func execExtra(ctx context.Context, tx *sql.Tx, extra []Statement) error {
	for _, stmt := range extra {
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return fmt.Errorf("failed to execute statement in batch transaction: %w", err)
		}
	}
	return nil
}

func columnNames(cfg TableConfig) ([]string, error) {
	names := make([]string, 0, len(cfg.Columns))
	for _, col := range cfg.Columns {
		name, _, err := splitColumn(col)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func splitColumn(col string) (name, typ string, err error) {
	parts := strings.SplitN(col, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid column definition %q: expected format 'name:type'", col)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
