// Package clean implements the silver layer: deterministic normalization
// of raw records into one cleaned row per natural key. Cleaning is a pure
// function of the raw input; rows that cannot be recovered are quarantined
// with a reason code, never dropped silently.
package clean

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/atlasfoods/lakehouse/pkg/duck"
	"github.com/atlasfoods/lakehouse/pkg/metrics"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/raw"
)

// Quarantine reason codes.
const (
	ReasonMissingKey      = "missing_natural_key"
	ReasonUnparseableDate = "unparseable_date"
	ReasonInvalidYear     = "invalid_year"
)

// CleaningError marks a record that failed a cleaning rule and was routed
// to quarantine.
type CleaningError struct {
	Table  string
	Key    string
	Reason string
}

func (e *CleaningError) Error() string {
	return fmt.Sprintf("cleaning failed for %s key %q: %s", e.Table, e.Key, e.Reason)
}

// Quarantined is a raw record excluded from the silver layer. Err carries
// the rule that excluded it.
type Quarantined struct {
	Err        *CleaningError
	Payload    string
	OriginFile string
}

// Customer is a cleaned customer row keyed by customer_code.
type Customer struct {
	Code string
	Name string
	City string

	OriginFile string
	IngestedAt time.Time
}

// Product is a cleaned product row keyed by product_code.
type Product struct {
	Code     string
	Name     string
	Category string
	Variant  string

	OriginFile string
	IngestedAt time.Time
}

// Price is a cleaned price row keyed by (product_code, year).
type Price struct {
	ProductCode string
	Year        int
	UnitPrice   decimal.Decimal

	OriginFile string
	IngestedAt time.Time
}

// Order is a cleaned order row keyed by
// (order_date, product_code, customer_code).
type Order struct {
	OrderDate    time.Time
	ProductCode  string
	CustomerCode string
	Quantity     int64
	UnitPrice    decimal.Decimal

	OriginFile string
	IngestedAt time.Time
}

// payload renders a raw row for the quarantine table.
func payload(row raw.Row, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + "=" + row.Values[c]
	}
	return strings.Join(parts, ",")
}

// sortByIngestion orders rows oldest ingestion first. Ties break on origin
// file so the result does not depend on input order.
func sortByIngestion(rows []raw.Row) []raw.Row {
	sorted := make([]raw.Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].IngestedAt.Equal(sorted[j].IngestedAt) {
			return sorted[i].IngestedAt.Before(sorted[j].IngestedAt)
		}
		return sorted[i].OriginFile < sorted[j].OriginFile
	})
	return sorted
}

// dedupe keeps, per natural key, the row with the latest ingestion.
func dedupe(rows []raw.Row, key func(raw.Row) string) []raw.Row {
	sorted := sortByIngestion(rows)

	byKey := make(map[string]raw.Row)
	var order []string
	for _, row := range sorted {
		k := key(row)
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = row
	}

	sort.Strings(order)
	out := make([]raw.Row, 0, len(byKey))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

// CleanCustomers normalizes raw customer rows. A blank city on the
// surviving row falls back to the latest non-blank city any raw row ever
// carried for the same code, so the output is a function of the full raw
// history alone.
func CleanCustomers(rows []raw.Row) ([]Customer, []Quarantined) {
	cols := []string{"customer_code", "customer_name", "city"}
	var out []Customer
	var quarantined []Quarantined

	lastCity := make(map[string]string)
	for _, row := range sortByIngestion(rows) {
		code := normalizeCode(row.Values["customer_code"])
		if code == "" {
			continue
		}
		if city := correct(titleCase(row.Values["city"]), cityCorrections); city != "" {
			lastCity[code] = city
		}
	}

	for _, row := range dedupe(rows, func(r raw.Row) string { return normalizeCode(r.Values["customer_code"]) }) {
		code := normalizeCode(row.Values["customer_code"])
		if code == "" {
			quarantined = append(quarantined, Quarantined{
				Err:     &CleaningError{Table: "customers", Reason: ReasonMissingKey},
				Payload: payload(row, cols), OriginFile: row.OriginFile,
			})
			continue
		}
		city := correct(titleCase(row.Values["city"]), cityCorrections)
		if city == "" {
			city = lastCity[code]
		}
		out = append(out, Customer{
			Code:       code,
			Name:       textOrUnknown(titleCase(row.Values["customer_name"])),
			City:       textOrUnknown(city),
			OriginFile: row.OriginFile,
			IngestedAt: row.IngestedAt,
		})
	}
	return out, quarantined
}

// CleanProducts normalizes raw product rows.
func CleanProducts(rows []raw.Row) ([]Product, []Quarantined) {
	cols := []string{"product_code", "product_name", "category", "variant"}
	var out []Product
	var quarantined []Quarantined

	for _, row := range dedupe(rows, func(r raw.Row) string { return normalizeCode(r.Values["product_code"]) }) {
		code := normalizeCode(row.Values["product_code"])
		if code == "" {
			quarantined = append(quarantined, Quarantined{
				Err:     &CleaningError{Table: "products", Reason: ReasonMissingKey},
				Payload: payload(row, cols), OriginFile: row.OriginFile,
			})
			continue
		}
		out = append(out, Product{
			Code:       code,
			Name:       textOrUnknown(titleCase(row.Values["product_name"])),
			Category:   textOrUnknown(correct(titleCase(row.Values["category"]), categoryCorrections)),
			Variant:    textOrUnknown(titleCase(row.Values["variant"])),
			OriginFile: row.OriginFile,
			IngestedAt: row.IngestedAt,
		})
	}
	return out, quarantined
}

// CleanPrices normalizes raw price rows.
func CleanPrices(rows []raw.Row) ([]Price, []Quarantined) {
	cols := []string{"product_code", "year", "unit_price"}
	key := func(r raw.Row) string {
		return normalizeCode(r.Values["product_code"]) + "|" + normalizeText(r.Values["year"])
	}

	var out []Price
	var quarantined []Quarantined
	for _, row := range dedupe(rows, key) {
		code := normalizeCode(row.Values["product_code"])
		if code == "" {
			quarantined = append(quarantined, Quarantined{
				Err:     &CleaningError{Table: "prices", Reason: ReasonMissingKey},
				Payload: payload(row, cols), OriginFile: row.OriginFile,
			})
			continue
		}
		year, ok := parseYear(row.Values["year"])
		if !ok {
			quarantined = append(quarantined, Quarantined{
				Err:     &CleaningError{Table: "prices", Key: code, Reason: ReasonInvalidYear},
				Payload: payload(row, cols), OriginFile: row.OriginFile,
			})
			continue
		}
		out = append(out, Price{
			ProductCode: code,
			Year:        year,
			UnitPrice:   parseAmount(row.Values["unit_price"]),
			OriginFile:  row.OriginFile,
			IngestedAt:  row.IngestedAt,
		})
	}
	return out, quarantined
}

// CleanOrders normalizes raw order rows. Unparseable dates and missing key
// codes are quarantined; amounts and quantities degrade to the 0 sentinel.
func CleanOrders(rows []raw.Row) ([]Order, []Quarantined) {
	cols := []string{"order_date", "product_code", "customer_code", "quantity", "unit_price"}
	key := func(r raw.Row) string {
		return normalizeText(r.Values["order_date"]) + "|" +
			normalizeCode(r.Values["product_code"]) + "|" +
			normalizeCode(r.Values["customer_code"])
	}

	var out []Order
	var quarantined []Quarantined
	for _, row := range dedupe(rows, key) {
		date, ok := parseDate(row.Values["order_date"])
		if !ok {
			quarantined = append(quarantined, Quarantined{
				Err:     &CleaningError{Table: "orders", Reason: ReasonUnparseableDate},
				Payload: payload(row, cols), OriginFile: row.OriginFile,
			})
			continue
		}
		productCode := normalizeCode(row.Values["product_code"])
		customerCode := normalizeCode(row.Values["customer_code"])
		if productCode == "" || customerCode == "" {
			quarantined = append(quarantined, Quarantined{
				Err:     &CleaningError{Table: "orders", Key: date.Format("2006-01-02"), Reason: ReasonMissingKey},
				Payload: payload(row, cols), OriginFile: row.OriginFile,
			})
			continue
		}
		out = append(out, Order{
			OrderDate:    date,
			ProductCode:  productCode,
			CustomerCode: customerCode,
			Quantity:     parseQuantity(row.Values["quantity"]),
			UnitPrice:    parseAmount(row.Values["unit_price"]),
			OriginFile:   row.OriginFile,
			IngestedAt:   row.IngestedAt,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OrderDate.Equal(out[j].OrderDate) {
			return out[i].OrderDate.Before(out[j].OrderDate)
		}
		if out[i].ProductCode != out[j].ProductCode {
			return out[i].ProductCode < out[j].ProductCode
		}
		return out[i].CustomerCode < out[j].CustomerCode
	})
	return out, quarantined
}

// Config holds Cleaner dependencies.
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

// Cleaner writes the silver layer: snapshot-replaced clean tables plus the
// append-only quarantine.
type Cleaner struct {
	log *slog.Logger
	cfg Config
	db  duck.DB
}

func New(cfg Config) (*Cleaner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cleaner{log: cfg.Logger, cfg: cfg, db: cfg.DB}, nil
}

var (
	quarantineTable = duck.TableConfig{
		Name: "meta_quarantine",
		Columns: []string{
			"run_id:VARCHAR",
			"table_name:VARCHAR",
			"natural_key:VARCHAR",
			"reason:VARCHAR",
			"payload:VARCHAR",
			"origin_file:VARCHAR",
			"quarantined_at:TIMESTAMP",
		},
	}

	cleanCustomersTable = duck.TableConfig{
		Name: "clean_customers",
		Columns: []string{
			"customer_code:VARCHAR",
			"customer_name:VARCHAR",
			"city:VARCHAR",
			"origin_file:VARCHAR",
			"cleaned_at:TIMESTAMP",
		},
		KeyColumns: []string{"customer_code"},
	}

	cleanProductsTable = duck.TableConfig{
		Name: "clean_products",
		Columns: []string{
			"product_code:VARCHAR",
			"product_name:VARCHAR",
			"category:VARCHAR",
			"variant:VARCHAR",
			"origin_file:VARCHAR",
			"cleaned_at:TIMESTAMP",
		},
		KeyColumns: []string{"product_code"},
	}

	cleanPricesTable = duck.TableConfig{
		Name: "clean_prices",
		Columns: []string{
			"product_code:VARCHAR",
			"year:INTEGER",
			"unit_price:DECIMAL(18,4)",
			"origin_file:VARCHAR",
			"cleaned_at:TIMESTAMP",
		},
		KeyColumns: []string{"product_code", "year"},
	}

	cleanOrdersTable = duck.TableConfig{
		Name: "clean_orders",
		Columns: []string{
			"order_date:DATE",
			"product_code:VARCHAR",
			"customer_code:VARCHAR",
			"quantity:BIGINT",
			"unit_price:DECIMAL(18,4)",
			"origin_file:VARCHAR",
			"cleaned_at:TIMESTAMP",
		},
		KeyColumns: []string{"order_date", "product_code", "customer_code"},
	}
)

// EnsureTables creates the silver tables and the quarantine. The
// coordinator calls this once per run before stages fan out; parallel
// snapshot writers would otherwise race to create meta_quarantine on the
// lake catalog.
func (c *Cleaner) EnsureTables(ctx context.Context) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	for _, cfg := range []duck.TableConfig{cleanCustomersTable, cleanProductsTable, cleanPricesTable, cleanOrdersTable, quarantineTable} {
		if err := duck.CreateTableIfNotExists(ctx, c.log, conn, cfg); err != nil {
			return err
		}
	}
	return nil
}

func cleanTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CustomersSnapshot cleans raw customer rows and replaces clean_customers.
func (c *Cleaner) CustomersSnapshot(ctx context.Context, runID string, rows []raw.Row) ([]Customer, []Quarantined, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	customers, quarantined := CleanCustomers(rows)
	cleanedAt := cleanTimestamp(c.cfg.Clock.Now())
	err = duck.ReplaceTableViaCSV(ctx, c.log, conn, cleanCustomersTable, len(customers), func(w *csv.Writer, i int) error {
		cu := customers[i]
		return w.Write([]string{cu.Code, cu.Name, cu.City, cu.OriginFile, cleanedAt})
	})
	if err != nil {
		return nil, nil, err
	}
	if err := c.writeQuarantine(ctx, conn, runID, quarantined); err != nil {
		return nil, nil, err
	}
	metrics.RowsCleaned.WithLabelValues("customers").Add(float64(len(customers)))
	c.log.Info("clean: customers snapshot written", "rows", len(customers), "quarantined", len(quarantined))
	return customers, quarantined, nil
}

// ProductsSnapshot cleans raw product rows and replaces clean_products.
func (c *Cleaner) ProductsSnapshot(ctx context.Context, runID string, rows []raw.Row) ([]Product, []Quarantined, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	products, quarantined := CleanProducts(rows)
	cleanedAt := cleanTimestamp(c.cfg.Clock.Now())
	err = duck.ReplaceTableViaCSV(ctx, c.log, conn, cleanProductsTable, len(products), func(w *csv.Writer, i int) error {
		p := products[i]
		return w.Write([]string{p.Code, p.Name, p.Category, p.Variant, p.OriginFile, cleanedAt})
	})
	if err != nil {
		return nil, nil, err
	}
	if err := c.writeQuarantine(ctx, conn, runID, quarantined); err != nil {
		return nil, nil, err
	}
	metrics.RowsCleaned.WithLabelValues("products").Add(float64(len(products)))
	c.log.Info("clean: products snapshot written", "rows", len(products), "quarantined", len(quarantined))
	return products, quarantined, nil
}

// PricesSnapshot cleans raw price rows and replaces clean_prices.
func (c *Cleaner) PricesSnapshot(ctx context.Context, runID string, rows []raw.Row) ([]Price, []Quarantined, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	prices, quarantined := CleanPrices(rows)
	cleanedAt := cleanTimestamp(c.cfg.Clock.Now())
	err = duck.ReplaceTableViaCSV(ctx, c.log, conn, cleanPricesTable, len(prices), func(w *csv.Writer, i int) error {
		p := prices[i]
		return w.Write([]string{
			p.ProductCode,
			fmt.Sprintf("%d", p.Year),
			p.UnitPrice.String(),
			p.OriginFile,
			cleanedAt,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	if err := c.writeQuarantine(ctx, conn, runID, quarantined); err != nil {
		return nil, nil, err
	}
	metrics.RowsCleaned.WithLabelValues("prices").Add(float64(len(prices)))
	c.log.Info("clean: prices snapshot written", "rows", len(prices), "quarantined", len(quarantined))
	return prices, quarantined, nil
}

// OrdersSnapshot cleans raw order rows and replaces clean_orders. The
// returned slice is the full cleaned order set, which downstream
// aggregation slices per affected month.
func (c *Cleaner) OrdersSnapshot(ctx context.Context, runID string, rows []raw.Row) ([]Order, []Quarantined, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	orders, quarantined := CleanOrders(rows)
	cleanedAt := cleanTimestamp(c.cfg.Clock.Now())
	err = duck.ReplaceTableViaCSV(ctx, c.log, conn, cleanOrdersTable, len(orders), func(w *csv.Writer, i int) error {
		o := orders[i]
		return w.Write([]string{
			o.OrderDate.Format("2006-01-02"),
			o.ProductCode,
			o.CustomerCode,
			fmt.Sprintf("%d", o.Quantity),
			o.UnitPrice.String(),
			o.OriginFile,
			cleanedAt,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	if err := c.writeQuarantine(ctx, conn, runID, quarantined); err != nil {
		return nil, nil, err
	}
	metrics.RowsCleaned.WithLabelValues("orders").Add(float64(len(orders)))
	c.log.Info("clean: orders snapshot written", "rows", len(orders), "quarantined", len(quarantined))
	return orders, quarantined, nil
}

// writeQuarantine appends excluded records to meta_quarantine.
func (c *Cleaner) writeQuarantine(ctx context.Context, conn duck.Connection, runID string, quarantined []Quarantined) error {
	if len(quarantined) == 0 {
		return nil
	}
	quarantinedAt := cleanTimestamp(c.cfg.Clock.Now())
	err := duck.AppendTableViaCSV(ctx, c.log, conn, quarantineTable, len(quarantined), func(w *csv.Writer, i int) error {
		q := quarantined[i]
		return w.Write([]string{runID, q.Err.Table, q.Err.Key, q.Err.Reason, q.Payload, q.OriginFile, quarantinedAt})
	})
	if err != nil {
		return err
	}
	for _, q := range quarantined {
		c.log.Warn("clean: row quarantined", "error", q.Err, "origin_file", q.OriginFile)
		metrics.RowsQuarantined.WithLabelValues(q.Err.Table, q.Err.Reason).Inc()
	}
	return nil
}
