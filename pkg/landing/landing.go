// Package landing is the boundary to the object store where source
// companies drop their files. The pipeline only needs three operations:
// list a prefix, read a file, and move a file to the processed area.
//
// Layout: landing/<table>/<YYYY-MM-DD>/<file>.csv, with processed files
// moved to processed/<table>/<YYYY-MM-DD>/<file>.csv.
package landing

import (
	"context"
	"io"
	"time"
)

// Object describes one file in the store.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the object-store collaborator interface.
type Store interface {
	// List returns all objects under prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Read opens an object for reading. The caller closes the reader.
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	// Move relocates an object to destKey.
	Move(ctx context.Context, key, destKey string) error
}

const (
	// LandingPrefix is where newly arrived source files live.
	LandingPrefix = "landing"
	// ProcessedPrefix is where full-load ingestion moves files after a
	// successful append.
	ProcessedPrefix = "processed"
)

// TablePrefix returns the landing prefix for one table.
func TablePrefix(table string) string {
	return LandingPrefix + "/" + table + "/"
}

// ProcessedKey maps a landing key to its processed-area destination.
func ProcessedKey(key string) string {
	if len(key) > len(LandingPrefix) && key[:len(LandingPrefix)] == LandingPrefix {
		return ProcessedPrefix + key[len(LandingPrefix):]
	}
	return ProcessedPrefix + "/" + key
}
