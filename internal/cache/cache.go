// Package cache persists SHA-256 checksums of uploaded attachments in a
// bbolt database so unchanged binaries are not re-uploaded on every
// publish. It is purely an optimization: deleting the database only
// costs one redundant upload per attachment. Remote identity itself
// lives in front matter, never here.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// dirPerm is the permission mode for the cache directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the cache database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt file lock.
	openTimeout = 5 * time.Second
)

var attachmentsBucket = []byte("attachments")

// Cache wraps a bbolt database of attachment checksums.
type Cache struct {
	db *bolt.DB
}

// DefaultPath returns ~/.confluence-sync/attachments.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".confluence-sync", "attachments.db"), nil
}

// Open opens (or creates) the cache database at the given path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening attachment cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(attachmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing attachment cache: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close releases the database file lock.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Checksum returns the SHA-256 hex digest of data.
func Checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func key(contentID, name string) []byte {
	return []byte(contentID + "/" + name)
}

// Unchanged reports whether the attachment was previously uploaded with
// the same checksum.
func (c *Cache) Unchanged(contentID, name, checksum string) bool {
	var stored string

	_ = c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(attachmentsBucket).Get(key(contentID, name)); v != nil {
			stored = string(v)
		}

		return nil
	})

	return stored != "" && stored == checksum
}

// Record stores the checksum of an uploaded attachment.
func (c *Cache) Record(contentID, name, checksum string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attachmentsBucket).Put(key(contentID, name), []byte(checksum))
	})
	if err != nil {
		return fmt.Errorf("recording attachment checksum: %w", err)
	}

	return nil
}
