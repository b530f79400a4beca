package landing

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, key, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDirStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("lists_by_prefix_sorted", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		store, err := NewDirStore(root)
		require.NoError(t, err)

		writeFile(t, root, "landing/orders/2026-08-27/b.csv", "b")
		writeFile(t, root, "landing/orders/2026-08-27/a.csv", "a")
		writeFile(t, root, "landing/customers/2026-08-27/c.csv", "c")

		objects, err := store.List(ctx, TablePrefix("orders"))
		require.NoError(t, err)
		require.Len(t, objects, 2)
		require.Equal(t, "landing/orders/2026-08-27/a.csv", objects[0].Key)
		require.Equal(t, "landing/orders/2026-08-27/b.csv", objects[1].Key)
		require.Equal(t, int64(1), objects[0].Size)
	})

	t.Run("reads_file_content", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		store, err := NewDirStore(root)
		require.NoError(t, err)

		writeFile(t, root, "landing/orders/2026-08-27/a.csv", "hello")
		rc, err := store.Read(ctx, "landing/orders/2026-08-27/a.csv")
		require.NoError(t, err)
		defer rc.Close()
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.Equal(t, "hello", string(content))
	})

	t.Run("moves_to_processed", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		store, err := NewDirStore(root)
		require.NoError(t, err)

		key := "landing/orders/2026-08-27/a.csv"
		writeFile(t, root, key, "a")
		require.NoError(t, store.Move(ctx, key, ProcessedKey(key)))

		remaining, err := store.List(ctx, LandingPrefix)
		require.NoError(t, err)
		require.Empty(t, remaining)

		moved, err := store.List(ctx, ProcessedPrefix)
		require.NoError(t, err)
		require.Len(t, moved, 1)
		require.Equal(t, "processed/orders/2026-08-27/a.csv", moved[0].Key)
	})

	t.Run("empty_prefix_returns_nothing", func(t *testing.T) {
		t.Parallel()
		store, err := NewDirStore(t.TempDir())
		require.NoError(t, err)
		objects, err := store.List(ctx, TablePrefix("orders"))
		require.NoError(t, err)
		require.Empty(t, objects)
	})
}

func TestProcessedKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "processed/orders/2026-08-27/a.csv", ProcessedKey("landing/orders/2026-08-27/a.csv"))
	require.Equal(t, "processed/stray.csv", ProcessedKey("stray.csv"))
}
