// Package localdb owns the bbolt file shared by the cache store and the
// offline queue. Each component creates and manages its own buckets inside
// the one database so a single file lock guards all local state.
package localdb

import (
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// DB wraps a bbolt database with an Open/Close lifecycle.
type DB struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: queued offline writes can be lost on crash. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a DB instance. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens (or creates) the database file at path.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	d.logger.Debug("opened local database", "path", path, "noSync", d.noSync)
	return nil
}

// Close closes the database and releases the file lock.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing local database")
	err := d.db.Close()
	d.db = nil
	return err
}

// Bolt returns the underlying bbolt database.
func (d *DB) Bolt() *bbolt.DB {
	return d.db
}

// CreateBuckets ensures every named bucket exists.
func CreateBuckets(db *bbolt.DB, names ...[]byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}
