// Package merge is the sole writer of the consolidated (gold) layer. All
// gold writes are batch-atomic: a dimension upsert or a fact month replace
// commits in one transaction together with its watermark advance, so a
// failed run leaves both gold and the watermark exactly as they were.
package merge

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/atlasfoods/lakehouse/pkg/duck"
	"github.com/atlasfoods/lakehouse/pkg/metrics"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/aggregate"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/clean"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/identity"
)

// SourceCompany tags every row this pipeline writes into gold. Parent
// rows carry their own tag and are never touched here.
const SourceCompany = "verdi"

// MergeConflictError reports duplicate keys within one batch. The cleaner
// emits one row per natural key, so hitting this means a bug upstream;
// the run aborts without committing.
type MergeConflictError struct {
	Table string
	Key   string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("duplicate key %s in %s batch", e.Key, e.Table)
}

// Config holds Engine dependencies.
type Config struct {
	Logger *slog.Logger
	DB     duck.DB
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine writes consolidated dimensions and facts.
type Engine struct {
	log *slog.Logger
	cfg Config
	db  duck.DB
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg, db: cfg.DB}, nil
}

var (
	customersTable = duck.TableConfig{
		Name: "gold_customers",
		Columns: []string{
			"customer_key:BIGINT",
			"customer_code:VARCHAR",
			"customer_name:VARCHAR",
			"city:VARCHAR",
			"source_company:VARCHAR",
			"updated_at:TIMESTAMP",
		},
		KeyColumns: []string{"customer_key"},
	}

	productsTable = duck.TableConfig{
		Name: "gold_products",
		Columns: []string{
			"product_key:BIGINT",
			"product_code:VARCHAR",
			"product_name:VARCHAR",
			"category:VARCHAR",
			"variant:VARCHAR",
			"source_company:VARCHAR",
			"updated_at:TIMESTAMP",
		},
		KeyColumns: []string{"product_key"},
	}

	pricesTable = duck.TableConfig{
		Name: "gold_prices",
		Columns: []string{
			"product_key:BIGINT",
			"year:INTEGER",
			"unit_price:DECIMAL(18,4)",
			"source_company:VARCHAR",
			"updated_at:TIMESTAMP",
		},
		KeyColumns: []string{"product_key", "year"},
	}

	salesTable = duck.TableConfig{
		Name: "gold_monthly_sales",
		Columns: []string{
			"month:DATE",
			"product_key:BIGINT",
			"customer_key:BIGINT",
			"quantity:BIGINT",
			"revenue:DECIMAL(18,4)",
			"source_company:VARCHAR",
			"updated_at:TIMESTAMP",
		},
		KeyColumns:      []string{"month", "product_key", "customer_key", "source_company"},
		PartitionByDate: true,
		DateColumn:      "month",
	}
)

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// checkUniqueKeys guards the MERGE precondition that a batch carries each
// key at most once.
func checkUniqueKeys(table string, keys []string) error {
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			return &MergeConflictError{Table: table, Key: k}
		}
		seen[k] = true
	}
	return nil
}

// UpsertCustomers merges a cleaned customer batch into gold_customers and
// advances the customers watermark in the same transaction. Keys absent
// from the batch are untouched; re-applying a batch is a no-op.
func (e *Engine) UpsertCustomers(ctx context.Context, batch []clean.Customer, watermark time.Time) (int, error) {
	type row struct {
		key uint64
		c   clean.Customer
	}
	rows := make([]row, len(batch))
	keys := make([]string, len(batch))
	for i, c := range batch {
		key, err := identity.CustomerKey(c.Code)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve customer %q: %w", c.Code, err)
		}
		rows[i] = row{key: key, c: c}
		keys[i] = fmt.Sprintf("%d", key)
	}
	if err := checkUniqueKeys(customersTable.Name, keys); err != nil {
		return 0, err
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	now := timestamp(e.cfg.Clock.Now())
	wm, err := e.watermarkStatement(ctx, conn, "customers", watermark)
	if err != nil {
		return 0, err
	}
	err = duck.MergeTableViaCSV(ctx, e.log, conn, customersTable, len(rows), func(w *csv.Writer, i int) error {
		r := rows[i]
		return w.Write([]string{
			fmt.Sprintf("%d", r.key), r.c.Code, r.c.Name, r.c.City, SourceCompany, now,
		})
	}, wm)
	if err != nil {
		return 0, err
	}
	metrics.RowsMerged.WithLabelValues("customers").Add(float64(len(rows)))
	return len(rows), nil
}

// UpsertProducts merges a cleaned product batch into gold_products.
func (e *Engine) UpsertProducts(ctx context.Context, batch []clean.Product, watermark time.Time) (int, error) {
	type row struct {
		key uint64
		p   clean.Product
	}
	rows := make([]row, len(batch))
	keys := make([]string, len(batch))
	for i, p := range batch {
		key, err := identity.ProductKey(p.Code)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve product %q: %w", p.Code, err)
		}
		rows[i] = row{key: key, p: p}
		keys[i] = fmt.Sprintf("%d", key)
	}
	if err := checkUniqueKeys(productsTable.Name, keys); err != nil {
		return 0, err
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	now := timestamp(e.cfg.Clock.Now())
	wm, err := e.watermarkStatement(ctx, conn, "products", watermark)
	if err != nil {
		return 0, err
	}
	err = duck.MergeTableViaCSV(ctx, e.log, conn, productsTable, len(rows), func(w *csv.Writer, i int) error {
		r := rows[i]
		return w.Write([]string{
			fmt.Sprintf("%d", r.key), r.p.Code, r.p.Name, r.p.Category, r.p.Variant, SourceCompany, now,
		})
	}, wm)
	if err != nil {
		return 0, err
	}
	metrics.RowsMerged.WithLabelValues("products").Add(float64(len(rows)))
	return len(rows), nil
}

// UpsertPrices merges a cleaned price batch into gold_prices.
func (e *Engine) UpsertPrices(ctx context.Context, batch []clean.Price, watermark time.Time) (int, error) {
	type row struct {
		key uint64
		p   clean.Price
	}
	rows := make([]row, len(batch))
	keys := make([]string, len(batch))
	for i, p := range batch {
		key, err := identity.ProductKey(p.ProductCode)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve product %q: %w", p.ProductCode, err)
		}
		rows[i] = row{key: key, p: p}
		keys[i] = fmt.Sprintf("%d|%d", key, p.Year)
	}
	if err := checkUniqueKeys(pricesTable.Name, keys); err != nil {
		return 0, err
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	now := timestamp(e.cfg.Clock.Now())
	wm, err := e.watermarkStatement(ctx, conn, "prices", watermark)
	if err != nil {
		return 0, err
	}
	err = duck.MergeTableViaCSV(ctx, e.log, conn, pricesTable, len(rows), func(w *csv.Writer, i int) error {
		r := rows[i]
		return w.Write([]string{
			fmt.Sprintf("%d", r.key),
			fmt.Sprintf("%d", r.p.Year),
			r.p.UnitPrice.String(),
			SourceCompany,
			now,
		})
	}, wm)
	if err != nil {
		return 0, err
	}
	metrics.RowsMerged.WithLabelValues("prices").Add(float64(len(rows)))
	return len(rows), nil
}

// ReplaceFactMonths replaces the affected months of gold_monthly_sales
// with the recomputed facts and advances the orders watermark, all in one
// transaction. Only this company's rows in those months are replaced.
func (e *Engine) ReplaceFactMonths(ctx context.Context, facts []aggregate.Fact, months []aggregate.Month, watermark time.Time) (int, error) {
	if len(months) == 0 {
		if len(facts) > 0 {
			return 0, fmt.Errorf("fact batch without affected months")
		}
		return 0, nil
	}
	for _, f := range facts {
		found := false
		for _, m := range months {
			if f.Month == m {
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("fact for %s outside affected months", f.Month)
		}
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	scopeSQL := "source_company = ? AND month IN ("
	scopeArgs := []any{SourceCompany}
	for i, m := range months {
		if i > 0 {
			scopeSQL += ", "
		}
		scopeSQL += "?"
		scopeArgs = append(scopeArgs, m.First().Format("2006-01-02"))
	}
	scopeSQL += ")"

	now := timestamp(e.cfg.Clock.Now())
	wm, err := e.watermarkStatement(ctx, conn, "orders", watermark)
	if err != nil {
		return 0, err
	}
	err = duck.ReplaceScopeViaCSV(ctx, e.log, conn, salesTable,
		duck.Statement{SQL: scopeSQL, Args: scopeArgs},
		len(facts), func(w *csv.Writer, i int) error {
			f := facts[i]
			return w.Write([]string{
				f.Month.First().Format("2006-01-02"),
				fmt.Sprintf("%d", f.ProductKey),
				fmt.Sprintf("%d", f.CustomerKey),
				fmt.Sprintf("%d", f.Quantity),
				f.Revenue.String(),
				SourceCompany,
				now,
			})
		}, wm)
	if err != nil {
		return 0, err
	}
	metrics.RowsMerged.WithLabelValues("orders").Add(float64(len(facts)))
	e.log.Info("merge: fact months replaced",
		"months", len(months),
		"rows", len(facts),
		"watermark", watermark.Format("2006-01-02"))
	return len(facts), nil
}

// EnsureTables creates the gold and meta tables so read paths work before
// the first load.
func (e *Engine) EnsureTables(ctx context.Context) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	for _, cfg := range []duck.TableConfig{customersTable, productsTable, pricesTable, salesTable, watermarksTable, runsTable} {
		if err := duck.CreateTableIfNotExists(ctx, e.log, conn, cfg); err != nil {
			return err
		}
	}
	return nil
}

// RefreshReportView recreates the denormalized reporting view over the
// consolidated tables. Idempotent DDL.
func (e *Engine) RefreshReportView(ctx context.Context) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := e.EnsureTables(ctx); err != nil {
		return err
	}

	catalog, schema := e.db.Catalog(), e.db.Schema()
	viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s.%s.gold_sales_report AS
		SELECT
			s.month,
			s.source_company,
			p.product_code,
			p.product_name,
			p.category,
			c.customer_code,
			c.customer_name,
			c.city,
			s.quantity,
			s.revenue
		FROM %s.%s.gold_monthly_sales s
		LEFT JOIN %s.%s.gold_products p ON p.product_key = s.product_key
		LEFT JOIN %s.%s.gold_customers c ON c.customer_key = s.customer_key`,
		catalog, schema, catalog, schema, catalog, schema, catalog, schema)
	if _, err := conn.ExecContext(ctx, viewSQL); err != nil {
		return fmt.Errorf("failed to refresh report view: %w", err)
	}
	return nil
}
