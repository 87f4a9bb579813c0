// Package mimecache caches blob_id -> mime_type lookups across worker runs.
// The worker stores each MIME type it records for a blob and consults the
// cache only when sniffing the source yielded no type; the sniff itself is
// always attempted first. Adapted from dupedog's internal/cache hash-range
// cache: same BoltDB-backed, self-cleaning read/write database swap, keyed
// on blob_id instead of a byte range.
package mimecache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "mime_types"

// Cache provides persistent blob_id -> mime_type caching using BoltDB.
// Self-cleaning: every run opens a fresh write database; only entries
// actually looked up or stored this run survive the swap on Close.
type Cache struct {
	readDB  *bolt.DB // previous run's cache, read-only
	writeDB *bolt.DB // this run's cache; bbolt's file lock prevents concurrent writers
	path    string
	enabled bool
}

// Open opens the existing cache at path for reading (if present) and
// creates a new cache for writing. Returns a disabled no-op cache if path
// is empty.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mimecache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}

	if _, statErr := os.Stat(path); statErr == nil {
		readDB, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err == nil {
			c.readDB = readDB
		}
	}

	newPath := path + ".new"
	writeDB, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new mimecache (locked by another instance?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and atomically replaces the old cache with
// the new one, but only if the write database closed cleanly.
func (c *Cache) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else if err := os.Rename(c.path+".new", c.path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Lookup returns the cached mime type for blobID, "" if absent. A hit is
// copied forward into the write database (self-cleaning).
func (c *Cache) Lookup(blobID string) (string, error) {
	if !c.enabled || c.readDB == nil {
		return "", nil
	}

	var mime string
	err := c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(blobID)); v != nil {
			mime = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("mimecache lookup: %w", err)
	}
	if mime == "" {
		return "", nil
	}

	_ = c.Store(blobID, mime)
	return mime, nil
}

// Store saves blobID's mime type to the write database.
func (c *Cache) Store(blobID, mimeType string) error {
	if !c.enabled || c.writeDB == nil || mimeType == "" {
		return nil
	}
	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put([]byte(blobID), []byte(mimeType))
	})
	if err != nil {
		return fmt.Errorf("mimecache store: %w", err)
	}
	return nil
}
