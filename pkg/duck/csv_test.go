package duck

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendTableViaCSV(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	t.Run("creates_table_and_appends_rows", func(t *testing.T) {
		t.Parallel()

		db, conn, err := testDBWithConn(t)
		require.NoError(t, err)
		defer db.Close()

		cfg := TableConfig{
			Name: "test_append",
			Columns: []string{
				"order_date:DATE",
				"product_code:VARCHAR",
				"quantity:BIGINT",
			},
		}

		err = AppendTableViaCSV(ctx, log, conn, cfg, 3, func(w *csv.Writer, i int) error {
			return w.Write([]string{
				"2026-08-01",
				fmt.Sprintf("P%03d", i),
				fmt.Sprintf("%d", i*10),
			})
		})
		require.NoError(t, err)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM test_append").Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 3, count)

		// Appending again adds, never replaces.
		err = AppendTableViaCSV(ctx, log, conn, cfg, 1, func(w *csv.Writer, i int) error {
			return w.Write([]string{"2026-08-02", "P999", "5"})
		})
		require.NoError(t, err)
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM test_append").Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 4, count)
	})

	t.Run("handles_empty_batch", func(t *testing.T) {
		t.Parallel()

		db, conn, err := testDBWithConn(t)
		require.NoError(t, err)
		defer db.Close()

		cfg := TableConfig{
			Name:    "test_append_empty",
			Columns: []string{"value:BIGINT"},
		}

		err = AppendTableViaCSV(ctx, log, conn, cfg, 0, func(w *csv.Writer, i int) error {
			return nil
		})
		require.NoError(t, err)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM test_append_empty").Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 0, count)
	})

	t.Run("fails_on_broken_connection", func(t *testing.T) {
		t.Parallel()

		cfg := TableConfig{
			Name:    "test_append_fail",
			Columns: []string{"value:BIGINT"},
		}
		err := AppendTableViaCSV(ctx, log, &failingDBConn{}, cfg, 1, func(w *csv.Writer, i int) error {
			return w.Write([]string{"1"})
		})
		require.Error(t, err)
	})
}

func TestMergeTableViaCSV(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	newCfg := func(name string) TableConfig {
		return TableConfig{
			Name: name,
			Columns: []string{
				"customer_key:BIGINT",
				"customer_name:VARCHAR",
				"city:VARCHAR",
			},
			KeyColumns: []string{"customer_key"},
		}
	}

	t.Run("upserts_by_key", func(t *testing.T) {
		t.Parallel()

		db, conn, err := testDBWithConn(t)
		require.NoError(t, err)
		defer db.Close()

		cfg := newCfg("test_merge")
		rows := [][]string{
			{"1", "Acme", "London"},
			{"2", "Bolt", "Leeds"},
		}
		err = MergeTableViaCSV(ctx, log, conn, cfg, len(rows), func(w *csv.Writer, i int) error {
			return w.Write(rows[i])
		})
		require.NoError(t, err)

		// Update key 2, insert key 3, leave key 1 untouched.
		rows = [][]string{
			{"2", "Bolt", "York"},
			{"3", "Crux", "Bath"},
		}
		err = MergeTableViaCSV(ctx, log, conn, cfg, len(rows), func(w *csv.Writer, i int) error {
			return w.Write(rows[i])
		})
		require.NoError(t, err)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM test_merge").Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 3, count)

		var city string
		err = conn.QueryRowContext(ctx, "SELECT city FROM test_merge WHERE customer_key = 2").Scan(&city)
		require.NoError(t, err)
		require.Equal(t, "York", city)

		err = conn.QueryRowContext(ctx, "SELECT city FROM test_merge WHERE customer_key = 1").Scan(&city)
		require.NoError(t, err)
		require.Equal(t, "London", city)
	})

	t.Run("same_batch_twice_is_idempotent", func(t *testing.T) {
		t.Parallel()

		db, conn, err := testDBWithConn(t)
		require.NoError(t, err)
		defer db.Close()

		cfg := newCfg("test_merge_idem")
		write := func(w *csv.Writer, i int) error {
			return w.Write([]string{fmt.Sprintf("%d", i+1), "Name", "City"})
		}
		require.NoError(t, MergeTableViaCSV(ctx, log, conn, cfg, 2, write))
		require.NoError(t, MergeTableViaCSV(ctx, log, conn, cfg, 2, write))

		var count int
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM test_merge_idem").Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 2, count)
	})

	t.Run("requires_key_columns", func(t *testing.T) {
		t.Parallel()

		db, conn, err := testDBWithConn(t)
		require.NoError(t, err)
		defer db.Close()

		cfg := TableConfig{
			Name:    "test_merge_nokeys",
			Columns: []string{"a:VARCHAR", "b:VARCHAR"},
		}
		err = MergeTableViaCSV(ctx, log, conn, cfg, 1, func(w *csv.Writer, i int) error {
			return w.Write([]string{"x", "y"})
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "key columns")
	})

	t.Run("executes_extra_statements_in_same_transaction", func(t *testing.T) {
		t.Parallel()

		db, conn, err := testDBWithConn(t)
		require.NoError(t, err)
		defer db.Close()

		_, err = conn.ExecContext(ctx, "CREATE TABLE test_wm (table_name VARCHAR, watermark DATE)")
		require.NoError(t, err)

		cfg := newCfg("test_merge_extra")
		err = MergeTableViaCSV(ctx, log, conn, cfg, 1, func(w *csv.Writer, i int) error {
			return w.Write([]string{"1", "Acme", "London"})
		}, Statement{
			SQL:  "INSERT INTO test_wm VALUES (?, CAST(? AS DATE))",
			Args: []any{"customers", "2026-08-27"},
		})
		require.NoError(t, err)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM test_wm").Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("failed_extra_statement_rolls_back_merge", func(t *testing.T) {
		t.Parallel()

		db, conn, err := testDBWithConn(t)
		require.NoError(t, err)
		defer db.Close()

		cfg := newCfg("test_merge_rollback")
		err = MergeTableViaCSV(ctx, log, conn, cfg, 1, func(w *csv.Writer, i int) error {
			return w.Write([]string{"1", "Acme", "London"})
		}, Statement{SQL: "INSERT INTO does_not_exist VALUES (1)"})
		require.Error(t, err)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM test_merge_rollback").Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 0, count)
	})
}

func TestReplaceScopeViaCSV(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgFor := func(name string) TableConfig {
		return TableConfig{
			Name: name,
			Columns: []string{
				"month:DATE",
				"product_key:BIGINT",
				"quantity:BIGINT",
			},
		}
	}

	t.Run("replaces_only_scoped_rows", func(t *testing.T) {
		t.Parallel()

		db, conn, err := testDBWithConn(t)
		require.NoError(t, err)
		defer db.Close()

		cfg := cfgFor("test_replace")
		seed := [][]string{
			{"2026-07-01", "1", "5"},
			{"2026-08-01", "1", "8"},
		}
		err = AppendTableViaCSV(ctx, log, conn, cfg, len(seed), func(w *csv.Writer, i int) error {
			return w.Write(seed[i])
		})
		require.NoError(t, err)

		// Recompute August: old August row goes away, July stays.
		err = ReplaceScopeViaCSV(ctx, log, conn, cfg,
			Statement{SQL: "month = ?", Args: []any{"2026-08-01"}},
			1, func(w *csv.Writer, i int) error {
				return w.Write([]string{"2026-08-01", "1", "10"})
			})
		require.NoError(t, err)

		var qty int64
		err = conn.QueryRowContext(ctx, "SELECT quantity FROM test_replace WHERE month = CAST('2026-08-01' AS DATE)").Scan(&qty)
		require.NoError(t, err)
		require.Equal(t, int64(10), qty)

		err = conn.QueryRowContext(ctx, "SELECT quantity FROM test_replace WHERE month = CAST('2026-07-01' AS DATE)").Scan(&qty)
		require.NoError(t, err)
		require.Equal(t, int64(5), qty)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM test_replace").Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 2, count)
	})

	t.Run("empty_batch_clears_scope", func(t *testing.T) {
		t.Parallel()

		db, conn, err := testDBWithConn(t)
		require.NoError(t, err)
		defer db.Close()

		cfg := cfgFor("test_replace_empty")
		err = AppendTableViaCSV(ctx, log, conn, cfg, 1, func(w *csv.Writer, i int) error {
			return w.Write([]string{"2026-08-01", "1", "8"})
		})
		require.NoError(t, err)

		err = ReplaceScopeViaCSV(ctx, log, conn, cfg,
			Statement{SQL: "month = ?", Args: []any{"2026-08-01"}},
			0, func(w *csv.Writer, i int) error { return nil })
		require.NoError(t, err)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM test_replace_empty").Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 0, count)
	})

	t.Run("requires_scope_predicate", func(t *testing.T) {
		t.Parallel()

		db, conn, err := testDBWithConn(t)
		require.NoError(t, err)
		defer db.Close()

		err = ReplaceScopeViaCSV(ctx, log, conn, cfgFor("test_replace_noscope"),
			Statement{}, 0, func(w *csv.Writer, i int) error { return nil })
		require.Error(t, err)
	})
}

func TestReplaceTableViaCSV(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, conn, err := testDBWithConn(t)
	require.NoError(t, err)
	defer db.Close()

	cfg := TableConfig{
		Name:    "test_snapshot",
		Columns: []string{"code:VARCHAR", "name:VARCHAR"},
	}

	err = ReplaceTableViaCSV(ctx, log, conn, cfg, 2, func(w *csv.Writer, i int) error {
		return w.Write([]string{fmt.Sprintf("C%d", i), "old"})
	})
	require.NoError(t, err)

	err = ReplaceTableViaCSV(ctx, log, conn, cfg, 1, func(w *csv.Writer, i int) error {
		return w.Write([]string{"C9", "new"})
	})
	require.NoError(t, err)

	var count int
	err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM test_snapshot").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	var name string
	err = conn.QueryRowContext(ctx, "SELECT name FROM test_snapshot WHERE code = 'C9'").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "new", name)
}

func TestRetryOnConflict(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	t.Run("retries_transaction_conflicts", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		err := retryOnConflict(context.Background(), log, "test", func() error {
			attempts++
			if attempts < 3 {
				return fmt.Errorf("Transaction conflict: concurrent write")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("retries_catalog_write_conflicts", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		err := retryOnConflict(context.Background(), log, "test", func() error {
			attempts++
			if attempts < 2 {
				return fmt.Errorf("TransactionContext Error: Catalog write-write conflict on create with \"meta_quarantine\"")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 2, attempts)
	})

	t.Run("does_not_retry_permanent_errors", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		err := retryOnConflict(context.Background(), log, "test", func() error {
			attempts++
			return fmt.Errorf("syntax error")
		})
		require.Error(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("stops_when_context_cancelled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		err := retryOnConflict(ctx, log, "test", func() error {
			return fmt.Errorf("Transaction conflict: concurrent write")
		})
		require.Error(t, err)
	})
}
