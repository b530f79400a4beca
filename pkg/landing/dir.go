package landing

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirStore is a Store backed by a local directory. Tests and single-node
// dev use it in place of S3.
type DirStore struct {
	root string
}

// NewDirStore creates a directory-backed landing store rooted at root.
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &DirStore{root: abs}, nil
}

func (d *DirStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			return nil
		}
		key := filepath.ToSlash(strings.TrimPrefix(strings.TrimPrefix(path, d.root), string(os.PathSeparator)))
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (d *DirStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return f, nil
}

func (d *DirStore) Move(ctx context.Context, key, destKey string) error {
	src := filepath.Join(d.root, filepath.FromSlash(key))
	dest := filepath.Join(d.root, filepath.FromSlash(destKey))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", key, destKey, err)
	}
	return nil
}
