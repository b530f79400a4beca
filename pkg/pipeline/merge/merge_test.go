package merge

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlasfoods/lakehouse/pkg/duck"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/aggregate"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/clean"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/identity"
)

var testTime = time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, duck.DB) {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := duck.NewDB(ctx, t.TempDir()+"/test.db", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine, err := New(Config{Logger: log, DB: db, Clock: clockwork.NewFakeClockAt(testTime)})
	require.NoError(t, err)
	return engine, db
}

func queryInt(t *testing.T, db duck.DB, query string, args ...any) int64 {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	var n int64
	require.NoError(t, conn.QueryRowContext(ctx, query, args...).Scan(&n))
	return n
}

func TestUpsertCustomers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("inserts_then_updates_by_key", func(t *testing.T) {
		t.Parallel()
		engine, db := newTestEngine(t)

		watermark := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
		batch := []clean.Customer{
			{Code: "C1", Name: "Acme", City: "Leeds"},
			{Code: "C2", Name: "Bolt", City: "York"},
		}
		n, err := engine.UpsertCustomers(ctx, batch, watermark)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, int64(2), queryInt(t, db, "SELECT COUNT(*) FROM gold_customers"))

		// Update one, leave the other untouched.
		_, err = engine.UpsertCustomers(ctx, []clean.Customer{{Code: "C1", Name: "Acme Ltd", City: "Leeds"}}, watermark)
		require.NoError(t, err)
		require.Equal(t, int64(2), queryInt(t, db, "SELECT COUNT(*) FROM gold_customers"))

		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()
		var name string
		key, err := identity.CustomerKey("C1")
		require.NoError(t, err)
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT customer_name FROM gold_customers WHERE customer_key = ?", int64(key)).Scan(&name))
		require.Equal(t, "Acme Ltd", name)
	})

	t.Run("same_batch_twice_is_idempotent", func(t *testing.T) {
		t.Parallel()
		engine, db := newTestEngine(t)

		watermark := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
		batch := []clean.Customer{{Code: "C1", Name: "Acme", City: "Leeds"}}
		_, err := engine.UpsertCustomers(ctx, batch, watermark)
		require.NoError(t, err)
		_, err = engine.UpsertCustomers(ctx, batch, watermark)
		require.NoError(t, err)
		require.Equal(t, int64(1), queryInt(t, db, "SELECT COUNT(*) FROM gold_customers"))
	})

	t.Run("duplicate_keys_in_batch_conflict", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t)

		// Both codes canonicalize to the same identity.
		batch := []clean.Customer{
			{Code: "C1", Name: "Acme", City: "Leeds"},
			{Code: " c1 ", Name: "Acme Clone", City: "York"},
		}
		_, err := engine.UpsertCustomers(ctx, batch, testTime)
		require.Error(t, err)
		var conflict *MergeConflictError
		require.ErrorAs(t, err, &conflict)
	})

	t.Run("advances_watermark_with_commit", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t)

		_, err := engine.Watermark(ctx, "customers")
		var wmErr *WatermarkError
		require.ErrorAs(t, err, &wmErr)

		watermark := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
		_, err = engine.UpsertCustomers(ctx, []clean.Customer{{Code: "C1", Name: "Acme", City: "Leeds"}}, watermark)
		require.NoError(t, err)

		got, err := engine.Watermark(ctx, "customers")
		require.NoError(t, err)
		require.Equal(t, watermark, got)
	})
}

func TestUpsertPrices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	engine, db := newTestEngine(t)
	watermark := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

	batch := []clean.Price{
		{ProductCode: "P1", Year: 2025, UnitPrice: decimal.RequireFromString("2.80")},
		{ProductCode: "P1", Year: 2026, UnitPrice: decimal.RequireFromString("3.20")},
	}
	n, err := engine.UpsertPrices(ctx, batch, watermark)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, int64(2), queryInt(t, db, "SELECT COUNT(*) FROM gold_prices"))

	// Same product and year again is an update, not a new row.
	_, err = engine.UpsertPrices(ctx, []clean.Price{
		{ProductCode: "P1", Year: 2026, UnitPrice: decimal.RequireFromString("3.40")},
	}, watermark)
	require.NoError(t, err)
	require.Equal(t, int64(2), queryInt(t, db, "SELECT COUNT(*) FROM gold_prices"))
}

func TestReplaceFactMonths(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	productKey, err := identity.ProductKey("P1")
	require.NoError(t, err)
	customerKey, err := identity.CustomerKey("C1")
	require.NoError(t, err)

	august := aggregate.Month{Year: 2026, Month: time.August}
	july := aggregate.Month{Year: 2026, Month: time.July}

	fact := func(m aggregate.Month, qty int64, revenue string) aggregate.Fact {
		return aggregate.Fact{
			Month: m, ProductKey: productKey, CustomerKey: customerKey,
			Quantity: qty, Revenue: decimal.RequireFromString(revenue),
		}
	}

	t.Run("replaces_month_scope_only", func(t *testing.T) {
		t.Parallel()
		engine, db := newTestEngine(t)

		watermark := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
		_, err := engine.ReplaceFactMonths(ctx, []aggregate.Fact{fact(july, 5, "5.00"), fact(august, 8, "8.00")},
			[]aggregate.Month{july, august}, watermark)
		require.NoError(t, err)

		// Recompute August only: 8 becomes 10, July stays 5.
		_, err = engine.ReplaceFactMonths(ctx, []aggregate.Fact{fact(august, 10, "10.00")},
			[]aggregate.Month{august}, watermark)
		require.NoError(t, err)

		require.Equal(t, int64(2), queryInt(t, db, "SELECT COUNT(*) FROM gold_monthly_sales"))
		require.Equal(t, int64(10), queryInt(t, db,
			"SELECT quantity FROM gold_monthly_sales WHERE month = CAST('2026-08-01' AS DATE)"))
		require.Equal(t, int64(5), queryInt(t, db,
			"SELECT quantity FROM gold_monthly_sales WHERE month = CAST('2026-07-01' AS DATE)"))
	})

	t.Run("rerun_is_idempotent", func(t *testing.T) {
		t.Parallel()
		engine, db := newTestEngine(t)

		watermark := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
		batch := []aggregate.Fact{fact(august, 8, "8.00")}
		for range 2 {
			_, err := engine.ReplaceFactMonths(ctx, batch, []aggregate.Month{august}, watermark)
			require.NoError(t, err)
		}
		require.Equal(t, int64(1), queryInt(t, db, "SELECT COUNT(*) FROM gold_monthly_sales"))
	})

	t.Run("rejects_facts_outside_months", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t)

		_, err := engine.ReplaceFactMonths(ctx, []aggregate.Fact{fact(july, 5, "5.00")},
			[]aggregate.Month{august}, testTime)
		require.Error(t, err)
	})

	t.Run("advances_orders_watermark_atomically", func(t *testing.T) {
		t.Parallel()
		engine, _ := newTestEngine(t)

		watermark := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
		_, err := engine.ReplaceFactMonths(ctx, []aggregate.Fact{fact(august, 8, "8.00")},
			[]aggregate.Month{august}, watermark)
		require.NoError(t, err)

		got, err := engine.Watermark(ctx, "orders")
		require.NoError(t, err)
		require.Equal(t, watermark, got)
	})
}

func TestRunsBookkeeping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	engine, _ := newTestEngine(t)

	run := Run{
		ID: "run-1", Mode: "incremental", State: "pending",
		Tables: []string{"customers", "orders"}, StartedAt: testTime, UpdatedAt: testTime,
	}
	require.NoError(t, engine.RecordRun(ctx, run))

	run.State = "committed"
	run.RowsAffected = 42
	run.UpdatedAt = testTime.Add(time.Minute)
	require.NoError(t, engine.RecordRun(ctx, run))

	runs, err := engine.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "committed", runs[0].State)
	require.Equal(t, int64(42), runs[0].RowsAffected)
	require.Equal(t, []string{"customers", "orders"}, runs[0].Tables)
}

func TestRefreshReportView(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	engine, db := newTestEngine(t)
	watermark := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

	_, err := engine.UpsertCustomers(ctx, []clean.Customer{{Code: "C1", Name: "Acme", City: "Leeds"}}, watermark)
	require.NoError(t, err)
	_, err = engine.UpsertProducts(ctx, []clean.Product{{Code: "P1", Name: "Juice", Category: "Beverages", Variant: "1l"}}, watermark)
	require.NoError(t, err)

	productKey, err := identity.ProductKey("P1")
	require.NoError(t, err)
	customerKey, err := identity.CustomerKey("C1")
	require.NoError(t, err)
	august := aggregate.Month{Year: 2026, Month: time.August}
	_, err = engine.ReplaceFactMonths(ctx, []aggregate.Fact{{
		Month: august, ProductKey: productKey, CustomerKey: customerKey,
		Quantity: 8, Revenue: decimal.RequireFromString("16.00"),
	}}, []aggregate.Month{august}, watermark)
	require.NoError(t, err)

	require.NoError(t, engine.RefreshReportView(ctx))
	// Idempotent DDL.
	require.NoError(t, engine.RefreshReportView(ctx))

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var productName, customerName string
	var qty int64
	require.NoError(t, conn.QueryRowContext(ctx,
		"SELECT product_name, customer_name, quantity FROM gold_sales_report").Scan(&productName, &customerName, &qty))
	require.Equal(t, "Juice", productName)
	require.Equal(t, "Acme", customerName)
	require.Equal(t, int64(8), qty)
}
