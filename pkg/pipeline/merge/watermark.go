package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atlasfoods/lakehouse/pkg/duck"
)

// WatermarkError reports a missing watermark where one is required, e.g.
// an incremental run against a table that has never been loaded.
type WatermarkError struct {
	Table string
}

func (e *WatermarkError) Error() string {
	return fmt.Sprintf("no watermark recorded for table %s", e.Table)
}

var watermarksTable = duck.TableConfig{
	Name: "meta_watermarks",
	Columns: []string{
		"table_name:VARCHAR",
		"watermark:DATE",
		"updated_at:TIMESTAMP",
	},
	KeyColumns: []string{"table_name"},
}

// Watermark returns the last successfully loaded date for a table. A
// missing row yields a WatermarkError.
func (e *Engine) Watermark(ctx context.Context, table string) (time.Time, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := duck.CreateTableIfNotExists(ctx, e.log, conn, watermarksTable); err != nil {
		return time.Time{}, err
	}

	var wm time.Time
	row := conn.QueryRowContext(ctx, "SELECT watermark FROM meta_watermarks WHERE table_name = ?", table)
	if err := row.Scan(&wm); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, &WatermarkError{Table: table}
		}
		return time.Time{}, fmt.Errorf("failed to read watermark for %s: %w", table, err)
	}
	return wm.UTC(), nil
}

// watermarkStatement builds the watermark advance executed inside a gold
// write's transaction, so data and watermark commit together or not at
// all. The table is created up front; CREATE inside the merge transaction
// would conflict with concurrent dimension writes.
func (e *Engine) watermarkStatement(ctx context.Context, conn duck.Connection, table string, watermark time.Time) (duck.Statement, error) {
	if err := duck.CreateTableIfNotExists(ctx, e.log, conn, watermarksTable); err != nil {
		return duck.Statement{}, err
	}
	db := e.db
	sqlText := fmt.Sprintf(`MERGE INTO %s.%s.meta_watermarks t
		USING (SELECT ? AS table_name, CAST(? AS DATE) AS watermark, CAST(? AS TIMESTAMP) AS updated_at) s
		ON (t.table_name = s.table_name)
		WHEN MATCHED THEN UPDATE SET watermark = s.watermark, updated_at = s.updated_at
		WHEN NOT MATCHED THEN INSERT (table_name, watermark, updated_at) VALUES (s.table_name, s.watermark, s.updated_at)`,
		db.Catalog(), db.Schema())
	return duck.Statement{
		SQL: sqlText,
		Args: []any{
			table,
			watermark.UTC().Format("2006-01-02"),
			timestamp(e.cfg.Clock.Now()),
		},
	}, nil
}
