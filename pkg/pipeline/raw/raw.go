// Package raw implements the bronze layer: append-only ingestion of
// landing files with provenance metadata. Raw rows are never mutated or
// deleted once written.
package raw

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/atlasfoods/lakehouse/pkg/duck"
	"github.com/atlasfoods/lakehouse/pkg/landing"
	"github.com/atlasfoods/lakehouse/pkg/metrics"
)

// TableSpec describes one source table's CSV layout.
type TableSpec struct {
	// Name is the logical table name, matching the landing prefix.
	Name string
	// Columns are the expected CSV header columns, in order.
	Columns []string
}

// Specs lists the child-company source tables. Dimensions precede facts;
// the coordinator relies on this order.
var Specs = []TableSpec{
	{Name: "customers", Columns: []string{"customer_code", "customer_name", "city"}},
	{Name: "products", Columns: []string{"product_code", "product_name", "category", "variant"}},
	{Name: "prices", Columns: []string{"product_code", "year", "unit_price"}},
	{Name: "orders", Columns: []string{"order_date", "product_code", "customer_code", "quantity", "unit_price"}},
}

// SpecFor returns the spec for a table name.
func SpecFor(name string) (TableSpec, bool) {
	for _, s := range Specs {
		if s.Name == name {
			return s, true
		}
	}
	return TableSpec{}, false
}

// IngestError marks a landing file that could not be ingested. The file is
// skipped and reported; the batch continues.
type IngestError struct {
	File string
	Err  error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("failed to ingest %s: %v", e.File, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Row is one raw record with its provenance.
type Row struct {
	Values     map[string]string
	OriginFile string
	FileSize   int64
	IngestedAt time.Time
}

// SkippedFile reports a file excluded from a batch by an IngestError.
type SkippedFile struct {
	Key    string
	Reason string
}

// Report summarizes one table's ingestion.
type Report struct {
	Table string
	// Files lists the landing keys appended in this run.
	Files []string
	Rows  int
	// Skipped lists files that failed and were left in the landing area.
	Skipped []SkippedFile
}

// Config holds Ingestor dependencies.
type Config struct {
	Logger *slog.Logger
	Store  landing.Store
	DB     duck.DB
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("landing store is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Ingestor appends landing files into raw tables. It is the sole writer of
// the bronze layer.
type Ingestor struct {
	log   *slog.Logger
	cfg   Config
	store landing.Store
	db    duck.DB
}

func New(cfg Config) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ingestor{
		log:   cfg.Logger,
		cfg:   cfg,
		store: cfg.Store,
		db:    cfg.DB,
	}, nil
}

func tableConfig(spec TableSpec) duck.TableConfig {
	cols := make([]string, 0, len(spec.Columns)+4)
	for _, c := range spec.Columns {
		cols = append(cols, c+":VARCHAR")
	}
	cols = append(cols,
		"origin_file:VARCHAR",
		"file_size:BIGINT",
		"ingested_at:TIMESTAMP",
		"load_date:DATE",
	)
	return duck.TableConfig{
		Name:            "raw_" + spec.Name,
		Columns:         cols,
		PartitionByDate: true,
		DateColumn:      "load_date",
	}
}

// EnsureTables creates every raw table. The coordinator calls this once
// per run before stages fan out; concurrent CREATE statements on the same
// lake catalog conflict even with IF NOT EXISTS.
func (i *Ingestor) EnsureTables(ctx context.Context) error {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	for _, spec := range Specs {
		if err := duck.CreateTableIfNotExists(ctx, i.log, conn, tableConfig(spec)); err != nil {
			return err
		}
	}
	return nil
}

// Ingest appends the given landing files into raw_<table>. Files already
// present in the raw table are skipped, so re-running a batch cannot
// duplicate rows. When moveProcessed is set, successfully appended files
// are moved to the processed area; already-appended files left behind by
// an earlier incremental run or an interrupted load are moved too.
func (i *Ingestor) Ingest(ctx context.Context, spec TableSpec, files []landing.Object, loadDate time.Time, moveProcessed bool) (Report, error) {
	report := Report{Table: spec.Name}

	seen, err := i.ingestedFiles(ctx, spec)
	if err != nil {
		return report, err
	}

	for _, file := range files {
		if seen[file.Key] {
			i.log.Debug("raw: file already ingested, skipping", "table", spec.Name, "file", file.Key)
			if moveProcessed {
				if err := i.store.Move(ctx, file.Key, landing.ProcessedKey(file.Key)); err != nil {
					return report, fmt.Errorf("failed to move %s to processed: %w", file.Key, err)
				}
			}
			continue
		}
		rows, err := i.readFile(ctx, spec, file)
		if err != nil {
			var ingestErr *IngestError
			if errors.As(err, &ingestErr) {
				i.log.Warn("raw: skipping unreadable file", "table", spec.Name, "file", file.Key, "error", ingestErr.Err)
				metrics.FilesSkipped.WithLabelValues(spec.Name).Inc()
				report.Skipped = append(report.Skipped, SkippedFile{Key: file.Key, Reason: ingestErr.Err.Error()})
				continue
			}
			return report, err
		}

		if err := i.append(ctx, spec, file, rows, loadDate); err != nil {
			return report, err
		}
		report.Files = append(report.Files, file.Key)
		report.Rows += len(rows)
		metrics.RowsIngested.WithLabelValues(spec.Name).Add(float64(len(rows)))

		if moveProcessed {
			if err := i.store.Move(ctx, file.Key, landing.ProcessedKey(file.Key)); err != nil {
				return report, fmt.Errorf("failed to move %s to processed: %w", file.Key, err)
			}
		}
	}

	i.log.Info("raw: ingestion completed",
		"table", spec.Name,
		"files", len(report.Files),
		"rows", report.Rows,
		"skipped", len(report.Skipped))
	return report, nil
}

// readFile parses one landing CSV. Header mismatches and malformed rows
// yield an IngestError so the caller can skip the file.
func (i *Ingestor) readFile(ctx context.Context, spec TableSpec, file landing.Object) ([][]string, error) {
	rc, err := i.store.Read(ctx, file.Key)
	if err != nil {
		return nil, &IngestError{File: file.Key, Err: err}
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = len(spec.Columns)

	header, err := r.Read()
	if err != nil {
		return nil, &IngestError{File: file.Key, Err: fmt.Errorf("failed to read header: %w", err)}
	}
	for idx, col := range spec.Columns {
		if strings.TrimSpace(strings.ToLower(header[idx])) != col {
			return nil, &IngestError{File: file.Key, Err: fmt.Errorf("incompatible schema: expected column %q at position %d, got %q", col, idx, header[idx])}
		}
	}

	var rows [][]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &IngestError{File: file.Key, Err: fmt.Errorf("failed to read row: %w", err)}
		}
		rows = append(rows, record)
	}
	return rows, nil
}

func (i *Ingestor) append(ctx context.Context, spec TableSpec, file landing.Object, rows [][]string, loadDate time.Time) error {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ingestedAt := i.cfg.Clock.Now().UTC()
	cfg := tableConfig(spec)
	return duck.AppendTableViaCSV(ctx, i.log, conn, cfg, len(rows), func(w *csv.Writer, idx int) error {
		record := make([]string, 0, len(spec.Columns)+4)
		record = append(record, rows[idx]...)
		record = append(record,
			file.Key,
			fmt.Sprintf("%d", file.Size),
			ingestedAt.Format(time.RFC3339Nano),
			loadDate.UTC().Format("2006-01-02"),
		)
		return w.Write(record)
	})
}

// ingestedFiles returns the origin files already present in raw_<table>.
func (i *Ingestor) ingestedFiles(ctx context.Context, spec TableSpec) (map[string]bool, error) {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := duck.CreateTableIfNotExists(ctx, i.log, conn, tableConfig(spec)); err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT origin_file FROM raw_%s", spec.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to query ingested files: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan origin file: %w", err)
		}
		seen[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ingested files: %w", err)
	}
	return seen, nil
}

// Rows reads all raw records for one table, newest ingestion last.
func (i *Ingestor) Rows(ctx context.Context, spec TableSpec) ([]Row, error) {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := duck.CreateTableIfNotExists(ctx, i.log, conn, tableConfig(spec)); err != nil {
		return nil, err
	}

	colList := strings.Join(spec.Columns, ", ")
	query := fmt.Sprintf("SELECT %s, origin_file, file_size, ingested_at FROM raw_%s ORDER BY ingested_at, origin_file",
		colList, spec.Name)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		values := make([]any, len(spec.Columns)+3)
		strVals := make([]*string, len(spec.Columns))
		for idx := range spec.Columns {
			strVals[idx] = new(string)
			values[idx] = strVals[idx]
		}
		var originFile string
		var fileSize int64
		var ingestedAt time.Time
		values[len(spec.Columns)] = &originFile
		values[len(spec.Columns)+1] = &fileSize
		values[len(spec.Columns)+2] = &ingestedAt

		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("failed to scan raw row: %w", err)
		}
		m := make(map[string]string, len(spec.Columns))
		for idx, col := range spec.Columns {
			m[col] = *strVals[idx]
		}
		out = append(out, Row{
			Values:     m,
			OriginFile: originFile,
			FileSize:   fileSize,
			IngestedAt: ingestedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating raw rows: %w", err)
	}
	return out, nil
}
