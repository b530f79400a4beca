// Package coordinator drives a consolidation run end to end: ingest the
// landing files, clean them, aggregate the affected months and merge the
// results into the consolidated model. One run per table at a time; all
// consolidated-layer writes happen inside merge transactions, so a run
// cancelled or failed before its merge commit leaves gold untouched.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/atlasfoods/lakehouse/pkg/duck"
	"github.com/atlasfoods/lakehouse/pkg/landing"
	"github.com/atlasfoods/lakehouse/pkg/metrics"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/aggregate"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/clean"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/merge"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/raw"
)

// Mode selects how landing files are picked up.
type Mode string

const (
	// ModeFull ingests everything in the landing area and moves processed
	// files out of it.
	ModeFull Mode = "full"
	// ModeIncremental ingests only date partitions newer than each
	// table's watermark, up to the as-of date.
	ModeIncremental Mode = "incremental"
)

// State is a run's position in the load state machine.
type State string

const (
	StatePending     State = "pending"
	StateIngesting   State = "ingesting"
	StateCleaning    State = "cleaning"
	StateAggregating State = "aggregating"
	StateMerging     State = "merging"
	StateCommitted   State = "committed"
	StateFailed      State = "failed"
)

// FactTable is the one order-level table; everything else is a dimension.
const FactTable = "orders"

// RunRequest describes one consolidation run.
type RunRequest struct {
	// Tables to load; empty means all source tables.
	Tables []string
	Mode   Mode
	// AsOfDate bounds incremental ingestion; zero means the clock's today.
	AsOfDate time.Time
	// AllowBootstrap lets an incremental run proceed for tables that have
	// no watermark yet, loading from the beginning.
	AllowBootstrap bool
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID        string
	Status       State
	RowsAffected int64
	// Watermark is the as-of date committed with the run's merges.
	Watermark    time.Time
	SkippedFiles []raw.SkippedFile
	Quarantined  int
}

// Config holds Coordinator dependencies.
type Config struct {
	Logger *slog.Logger
	Store  landing.Store
	DB     duck.DB
	Clock  clockwork.Clock
	// Workers bounds the parallel dimension pipelines. Defaults to the
	// number of dimension tables.
	Workers int
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
	if cfg.Workers <= 0 {
		cfg.Workers = len(raw.Specs) - 1
	}
	return nil
}

// Coordinator sequences the pipeline stages for each run.
type Coordinator struct {
	log      *slog.Logger
	cfg      Config
	ingestor *raw.Ingestor
	cleaner  *clean.Cleaner
	engine   *merge.Engine
	locks    *lockRegistry
	pool     pond.Pool
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ingestor, err := raw.New(raw.Config{Logger: cfg.Logger, Store: cfg.Store, DB: cfg.DB, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestor: %w", err)
	}
	cleaner, err := clean.New(clean.Config{Logger: cfg.Logger, DB: cfg.DB, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create cleaner: %w", err)
	}
	engine, err := merge.New(merge.Config{Logger: cfg.Logger, DB: cfg.DB, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create merge engine: %w", err)
	}
	return &Coordinator{
		log:      cfg.Logger,
		cfg:      cfg,
		ingestor: ingestor,
		cleaner:  cleaner,
		engine:   engine,
		locks:    newLockRegistry(),
		pool:     pond.NewPool(cfg.Workers),
	}, nil
}

// Close releases the worker pool.
func (c *Coordinator) Close() {
	c.pool.StopAndWait()
}

// Engine exposes the merge engine for read paths (watermarks, runs).
func (c *Coordinator) Engine() *merge.Engine {
	return c.engine
}

// runData carries per-table intermediate results across stages.
type runData struct {
	reports   map[string]raw.Report
	customers []clean.Customer
	products  []clean.Product
	prices    []clean.Price
	orders    []clean.Order

	mu          sync.Mutex
	quarantined int
}

func (d *runData) addQuarantined(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quarantined += n
}

// Run executes one consolidation run and records it in meta_runs.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	tables, err := resolveTables(req.Tables)
	if err != nil {
		return RunResult{}, err
	}
	if req.Mode != ModeFull && req.Mode != ModeIncremental {
		return RunResult{}, fmt.Errorf("invalid mode %q", req.Mode)
	}
	asOf := req.AsOfDate
	if asOf.IsZero() {
		asOf = c.cfg.Clock.Now()
	}
	asOf = asOf.UTC().Truncate(24 * time.Hour)

	if err := c.locks.acquire(tables); err != nil {
		return RunResult{}, err
	}
	defer c.locks.release(tables)

	if err := c.ensureTables(ctx); err != nil {
		return RunResult{}, err
	}

	now := c.cfg.Clock.Now()
	run := merge.Run{
		ID:        fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405.000"), req.Mode),
		Mode:      string(req.Mode),
		State:     string(StatePending),
		Tables:    tables,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := c.engine.RecordRun(ctx, run); err != nil {
		return RunResult{}, err
	}

	result := RunResult{RunID: run.ID, Watermark: asOf}
	data := &runData{reports: make(map[string]raw.Report)}

	err = c.execute(ctx, &run, req, tables, asOf, data, &result)
	if err != nil {
		result.Status = StateFailed
		run.Error = err.Error()
		if recordErr := c.transition(ctx, &run, StateFailed); recordErr != nil {
			c.log.Error("failed to record failed run", "run_id", run.ID, "error", recordErr)
		}
		metrics.RunsTotal.WithLabelValues(string(req.Mode), string(StateFailed)).Inc()
		c.log.Error("run failed", "run_id", run.ID, "error", err)
		return result, err
	}

	result.Status = StateCommitted
	result.Quarantined = data.quarantined
	run.RowsAffected = result.RowsAffected
	if err := c.transition(ctx, &run, StateCommitted); err != nil {
		return result, err
	}
	metrics.RunsTotal.WithLabelValues(string(req.Mode), string(StateCommitted)).Inc()
	c.log.Info("run committed",
		"run_id", run.ID,
		"mode", req.Mode,
		"tables", strings.Join(tables, ","),
		"rows_affected", result.RowsAffected,
		"quarantined", data.quarantined,
		"watermark", asOf.Format("2006-01-02"))
	return result, nil
}

// ensureTables creates every shared table serially before stages fan out.
// Concurrent CREATE statements on one lake catalog conflict even with IF
// NOT EXISTS; once the tables exist, the per-write creates are no-ops.
func (c *Coordinator) ensureTables(ctx context.Context) error {
	if err := c.ingestor.EnsureTables(ctx); err != nil {
		return err
	}
	if err := c.cleaner.EnsureTables(ctx); err != nil {
		return err
	}
	return c.engine.EnsureTables(ctx)
}

func (c *Coordinator) execute(ctx context.Context, run *merge.Run, req RunRequest, tables []string, asOf time.Time, data *runData, result *RunResult) error {
	dims, hasFacts := splitTables(tables)

	// Ingest: dimensions in parallel, facts after.
	if err := c.transition(ctx, run, StateIngesting); err != nil {
		return err
	}
	var mu sync.Mutex
	group := c.pool.NewGroup()
	for _, table := range dims {
		group.SubmitErr(func() error {
			report, err := c.ingestTable(ctx, table, req, asOf)
			if err != nil {
				return err
			}
			mu.Lock()
			data.reports[table] = report
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if hasFacts {
		report, err := c.ingestTable(ctx, FactTable, req, asOf)
		if err != nil {
			return err
		}
		data.reports[FactTable] = report
	}
	for _, table := range tables {
		result.SkippedFiles = append(result.SkippedFiles, data.reports[table].Skipped...)
	}

	// Clean: snapshot every requested table.
	if err := c.transition(ctx, run, StateCleaning); err != nil {
		return err
	}
	if err := c.cleanTables(ctx, run.ID, tables, data); err != nil {
		return err
	}

	// Merge dimensions before facts so new fact rows always join.
	if err := c.transition(ctx, run, StateMerging); err != nil {
		return err
	}
	merged, err := c.mergeDimensions(ctx, dims, asOf, data)
	if err != nil {
		return err
	}
	result.RowsAffected += merged

	if hasFacts {
		if err := c.transition(ctx, run, StateAggregating); err != nil {
			return err
		}
		facts, months, err := c.aggregateOrders(req.Mode, data)
		if err != nil {
			return err
		}

		if len(months) > 0 {
			if err := c.transition(ctx, run, StateMerging); err != nil {
				return err
			}
			n, err := c.engine.ReplaceFactMonths(ctx, facts, months, asOf)
			if err != nil {
				return err
			}
			result.RowsAffected += int64(n)
		} else {
			c.log.Info("no affected months, facts untouched", "run_id", run.ID)
		}
	}

	return c.engine.RefreshReportView(ctx)
}

// ingestTable picks the table's landing files per mode and appends them to
// the bronze layer.
func (c *Coordinator) ingestTable(ctx context.Context, table string, req RunRequest, asOf time.Time) (raw.Report, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("ingest", table).Observe(time.Since(start).Seconds())
	}()

	spec, ok := raw.SpecFor(table)
	if !ok {
		return raw.Report{}, fmt.Errorf("unknown table %q", table)
	}
	files, err := c.selectFiles(ctx, table, req, asOf)
	if err != nil {
		return raw.Report{}, err
	}
	report, err := c.ingestor.Ingest(ctx, spec, files, asOf, req.Mode == ModeFull)
	if err != nil {
		return raw.Report{}, fmt.Errorf("failed to ingest %s: %w", table, err)
	}
	return report, nil
}

// selectFiles lists the landing files in scope. Full mode takes the whole
// table prefix; incremental takes date partitions from the watermark
// (inclusive, so a file landing late in a committed partition is still
// picked up; bronze dedupes re-listed files) through the as-of date.
func (c *Coordinator) selectFiles(ctx context.Context, table string, req RunRequest, asOf time.Time) ([]landing.Object, error) {
	objects, err := c.cfg.Store.List(ctx, landing.TablePrefix(table))
	if err != nil {
		return nil, fmt.Errorf("failed to list landing files for %s: %w", table, err)
	}
	if req.Mode == ModeFull {
		return objects, nil
	}

	watermark, err := c.engine.Watermark(ctx, table)
	if err != nil {
		var wmErr *merge.WatermarkError
		if errors.As(err, &wmErr) && req.AllowBootstrap {
			c.log.Warn("bootstrapping table without watermark", "table", table)
			watermark = time.Time{}
		} else {
			return nil, err
		}
	}

	var selected []landing.Object
	for _, obj := range objects {
		date, ok := partitionDate(obj.Key)
		if !ok {
			c.log.Warn("landing file outside date partition layout, skipping", "key", obj.Key)
			continue
		}
		if !date.Before(watermark) && !date.After(asOf) {
			selected = append(selected, obj)
		}
	}
	return selected, nil
}

// partitionDate extracts the date segment of landing/<table>/<date>/<file>.
func partitionDate(key string) (time.Time, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 4 {
		return time.Time{}, false
	}
	date, err := time.Parse("2006-01-02", parts[2])
	if err != nil {
		return time.Time{}, false
	}
	return date.UTC(), true
}

// cleanTables rewrites the silver snapshot for each requested table, in
// parallel for dimensions, keeping the typed outputs for merging.
func (c *Coordinator) cleanTables(ctx context.Context, runID string, tables []string, data *runData) error {
	group := c.pool.NewGroup()
	for _, table := range tables {
		group.SubmitErr(func() error {
			start := time.Now()
			defer func() {
				metrics.StageDuration.WithLabelValues("clean", table).Observe(time.Since(start).Seconds())
			}()

			spec, _ := raw.SpecFor(table)
			rows, err := c.ingestor.Rows(ctx, spec)
			if err != nil {
				return err
			}
			var quarantined []clean.Quarantined
			switch table {
			case "customers":
				data.customers, quarantined, err = c.cleaner.CustomersSnapshot(ctx, runID, rows)
			case "products":
				data.products, quarantined, err = c.cleaner.ProductsSnapshot(ctx, runID, rows)
			case "prices":
				data.prices, quarantined, err = c.cleaner.PricesSnapshot(ctx, runID, rows)
			case FactTable:
				data.orders, quarantined, err = c.cleaner.OrdersSnapshot(ctx, runID, rows)
			default:
				return fmt.Errorf("unknown table %q", table)
			}
			if err != nil {
				return fmt.Errorf("failed to clean %s: %w", table, err)
			}
			data.addQuarantined(len(quarantined))
			return nil
		})
	}
	return group.Wait()
}

// mergeDimensions upserts the cleaned dimension snapshots in parallel.
// Each upsert commits atomically with its table's watermark.
func (c *Coordinator) mergeDimensions(ctx context.Context, dims []string, asOf time.Time, data *runData) (int64, error) {
	var mu sync.Mutex
	var total int64
	group := c.pool.NewGroup()
	for _, table := range dims {
		group.SubmitErr(func() error {
			start := time.Now()
			defer func() {
				metrics.StageDuration.WithLabelValues("merge", table).Observe(time.Since(start).Seconds())
			}()

			var n int
			var err error
			switch table {
			case "customers":
				n, err = c.engine.UpsertCustomers(ctx, data.customers, asOf)
			case "products":
				n, err = c.engine.UpsertProducts(ctx, data.products, asOf)
			case "prices":
				n, err = c.engine.UpsertPrices(ctx, data.prices, asOf)
			}
			if err != nil {
				return fmt.Errorf("failed to merge %s: %w", table, err)
			}
			mu.Lock()
			total += int64(n)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}

// aggregateOrders determines the affected months and recomputes them from
// the full cleaned order set. Full mode recomputes every month present;
// incremental mode only months touched by newly ingested files.
func (c *Coordinator) aggregateOrders(mode Mode, data *runData) ([]aggregate.Fact, []aggregate.Month, error) {
	var scoped []clean.Order
	if mode == ModeFull {
		scoped = data.orders
	} else {
		newFiles := make(map[string]bool)
		for _, f := range data.reports[FactTable].Files {
			newFiles[f] = true
		}
		for _, o := range data.orders {
			if newFiles[o.OriginFile] {
				scoped = append(scoped, o)
			}
		}
	}
	months := aggregate.AffectedMonths(scoped)
	if len(months) == 0 {
		return nil, nil, nil
	}

	// The rollup sees every cleaned order so affected months come out
	// whole, not just the newly arrived slice.
	facts, err := aggregate.MonthlyRollup(data.orders, months)
	if err != nil {
		return nil, nil, err
	}
	return facts, months, nil
}

func (c *Coordinator) transition(ctx context.Context, run *merge.Run, state State) error {
	c.log.Info("run state", "run_id", run.ID, "from", run.State, "to", string(state))
	run.State = string(state)
	run.UpdatedAt = c.cfg.Clock.Now()
	if err := c.engine.RecordRun(ctx, *run); err != nil {
		return fmt.Errorf("failed to record run state %s: %w", state, err)
	}
	return nil
}

// resolveTables validates and normalizes the requested table list.
func resolveTables(requested []string) ([]string, error) {
	if len(requested) == 0 {
		all := make([]string, 0, len(raw.Specs))
		for _, s := range raw.Specs {
			all = append(all, s.Name)
		}
		return all, nil
	}
	seen := make(map[string]bool)
	var tables []string
	for _, t := range requested {
		if _, ok := raw.SpecFor(t); !ok {
			return nil, fmt.Errorf("unknown table %q", t)
		}
		if !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	return tables, nil
}

// splitTables separates dimensions from the fact table, keeping spec
// order for dimensions.
func splitTables(tables []string) (dims []string, hasFacts bool) {
	for _, t := range tables {
		if t == FactTable {
			hasFacts = true
			continue
		}
		dims = append(dims, t)
	}
	return dims, hasFacts
}

// lockRegistry serializes runs per table.
type lockRegistry struct {
	mu     sync.Mutex
	locked map[string]bool
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locked: make(map[string]bool)}
}

// acquire takes all table locks or none.
func (l *lockRegistry) acquire(tables []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range tables {
		if l.locked[t] {
			return fmt.Errorf("a run is already in progress for table %s", t)
		}
	}
	sorted := make([]string, len(tables))
	copy(sorted, tables)
	sort.Strings(sorted)
	for _, t := range sorted {
		l.locked[t] = true
	}
	return nil
}

func (l *lockRegistry) release(tables []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range tables {
		delete(l.locked, t)
	}
}
