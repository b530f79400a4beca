// lakectl is the operator CLI for the consolidation lake: inspect
// watermarks, run history and quarantined records.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"

	"github.com/atlasfoods/lakehouse/pkg/duck"
	"github.com/atlasfoods/lakehouse/pkg/logger"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/merge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	catalogNameFlag := flag.String("ducklake-catalog-name", "atlaslake", "Name of the DuckLake catalog (or set DUCKLAKE_CATALOG_NAME env var)")
	catalogURIFlag := flag.String("ducklake-catalog-uri", "file://.tmp/lake/catalog.sqlite", "URI to the DuckLake catalog (or set DUCKLAKE_CATALOG_URI env var)")
	storageURIFlag := flag.String("ducklake-storage-uri", "file://.tmp/lake/data", "URI to the DuckLake storage directory (or set DUCKLAKE_STORAGE_URI env var)")
	limitFlag := flag.Int("limit", 20, "maximum rows to show")
	flag.Parse()

	if v := os.Getenv("DUCKLAKE_CATALOG_NAME"); v != "" {
		*catalogNameFlag = v
	}
	if v := os.Getenv("DUCKLAKE_CATALOG_URI"); v != "" {
		*catalogURIFlag = v
	}
	if v := os.Getenv("DUCKLAKE_STORAGE_URI"); v != "" {
		*storageURIFlag = v
	}

	if flag.NArg() != 1 {
		return fmt.Errorf("usage: lakectl [flags] watermarks|runs|quarantine")
	}
	command := flag.Arg(0)

	log := logger.New(*verboseFlag)
	ctx := context.Background()

	s3Config, err := duck.PrepareS3ConfigForStorageURI(ctx, log, *storageURIFlag)
	if err != nil {
		return err
	}
	db, err := duck.NewLake(ctx, log, *catalogNameFlag, *catalogURIFlag, *storageURIFlag, s3Config)
	if err != nil {
		return fmt.Errorf("failed to open lake: %w", err)
	}
	defer db.Close()

	engine, err := merge.New(merge.Config{Logger: log, DB: db})
	if err != nil {
		return err
	}

	switch command {
	case "watermarks":
		return printWatermarks(ctx, engine)
	case "runs":
		return printRuns(ctx, engine, *limitFlag)
	case "quarantine":
		return printQuarantine(ctx, db, *limitFlag)
	default:
		return fmt.Errorf("unknown command %q: expected watermarks, runs or quarantine", command)
	}
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	return table
}

func printWatermarks(ctx context.Context, engine *merge.Engine) error {
	watermarks, err := engine.Watermarks(ctx)
	if err != nil {
		return err
	}
	table := newTable([]string{"Table", "Watermark", "Updated At"})
	for _, w := range watermarks {
		table.Append([]string{
			w.Table,
			w.Watermark.Format("2006-01-02"),
			w.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	table.Render()
	return nil
}

func printRuns(ctx context.Context, engine *merge.Engine, limit int) error {
	runs, err := engine.Runs(ctx, limit)
	if err != nil {
		return err
	}
	table := newTable([]string{"Run ID", "Mode", "State", "Tables", "Started At", "Rows", "Error"})
	for _, r := range runs {
		table.Append([]string{
			r.ID,
			r.Mode,
			r.State,
			fmt.Sprintf("%v", r.Tables),
			r.StartedAt.UTC().Format(time.RFC3339),
			fmt.Sprintf("%d", r.RowsAffected),
			r.Error,
		})
	}
	table.Render()
	return nil
}

func printQuarantine(ctx context.Context, db duck.DB, limit int) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx,
		`SELECT run_id, table_name, natural_key, reason, origin_file, quarantined_at
		FROM meta_quarantine ORDER BY quarantined_at DESC LIMIT ?`, limit)
	if err != nil {
		return fmt.Errorf("failed to query quarantine: %w", err)
	}
	defer rows.Close()

	table := newTable([]string{"Run ID", "Table", "Key", "Reason", "Origin File", "Quarantined At"})
	for rows.Next() {
		var runID, tableName, naturalKey, reason, originFile string
		var quarantinedAt time.Time
		if err := rows.Scan(&runID, &tableName, &naturalKey, &reason, &originFile, &quarantinedAt); err != nil {
			return fmt.Errorf("failed to scan quarantine row: %w", err)
		}
		table.Append([]string{
			runID, tableName, naturalKey, reason, originFile,
			quarantinedAt.UTC().Format(time.RFC3339),
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating quarantine rows: %w", err)
	}
	table.Render()
	return nil
}
