package cachestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/store/localdb"
	"github.com/wolfeidau/offline-cache/telemetry"
	"go.etcd.io/bbolt"
)

// Eviction tiers, used as the metrics label.
const (
	tierPrior   = "prior_generation"
	tierCurrent = "current_generation"
)

// BoltStore implements the cache store on bbolt.
//
// Every mutation runs in a single bbolt write transaction, and Get runs in a
// read transaction, so a reader sees an entry either entirely before or
// entirely after a Put, eviction or purge.
type BoltStore struct {
	db       *bbolt.DB
	mu       sync.RWMutex // guards codec against Close
	codec    *codec
	logger   *slog.Logger
	maxBytes int64
	now      func() time.Time
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *BoltStore) {
		s.logger = logger
	}
}

// WithMaxBytes bounds the encoded size of all entries. Zero disables eviction.
func WithMaxBytes(n int64) Option {
	return func(s *BoltStore) {
		s.maxBytes = n
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *BoltStore) {
		s.now = now
	}
}

// New creates a BoltStore on an open bbolt database and ensures its buckets exist.
func New(db *bbolt.DB, opts ...Option) (*BoltStore, error) {
	s := &BoltStore{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := localdb.CreateBuckets(db, bucketEntries, bucketByWrite, bucketWriteByKey, bucketMeta); err != nil {
		return nil, fmt.Errorf("cachestore: %w", err)
	}

	c, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("cachestore: %w", err)
	}
	s.codec = c
	return s, nil
}

// Close releases the codec and waits for reads and writes in progress.
// Later calls return ErrClosed. The bbolt database is owned by the caller.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codec != nil {
		s.codec.close()
		s.codec = nil
	}
	return nil
}

// Put stores payload under key for the given generation, replacing any
// existing entry. When the store is over its size bound, entries are evicted
// least-recently-written first: prior generations before the current one.
// The entry just written is never evicted.
func (s *BoltStore) Put(ctx context.Context, key string, payload Payload, generation string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.codec == nil {
		return ErrClosed
	}

	entry := &Entry{
		Key:        key,
		Generation: generation,
		Payload:    payload,
		StoredAt:   s.now().UTC(),
		Size:       int64(len(payload.Body)),
		Digest:     offlinecache.HashBytes(payload.Body).Digest(),
	}

	var (
		stored  int64
		evicted []evictedEntry
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		byWrite := tx.Bucket(bucketByWrite)
		writeByKey := tx.Bucket(bucketWriteByKey)
		meta := tx.Bucket(bucketMeta)

		total := int64(localdb.DecodeUint64(meta.Get(metaTotalBytes))) //nolint:gosec // written from an int64

		if old := writeByKey.Get([]byte(key)); old != nil {
			oldSeq, oldSize := parseKeyIndexValue(old)
			if err := byWrite.Delete(localdb.EncodeUint64(oldSeq)); err != nil {
				return fmt.Errorf("deleting old write index: %w", err)
			}
			total -= oldSize
		}

		seq, err := byWrite.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating write sequence: %w", err)
		}
		entry.Seq = seq

		data, err := s.codec.encode(entry)
		if err != nil {
			return err
		}
		stored = int64(len(data))

		if err := entries.Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		if err := byWrite.Put(localdb.EncodeUint64(seq), makeWriteValue(generation, key)); err != nil {
			return fmt.Errorf("putting write index: %w", err)
		}
		if err := writeByKey.Put([]byte(key), makeKeyIndexValue(seq, stored)); err != nil {
			return fmt.Errorf("putting write reverse index: %w", err)
		}
		total += stored

		if s.maxBytes > 0 && total > s.maxBytes {
			evicted, err = s.evict(tx, generation, key, &total)
			if err != nil {
				return err
			}
		}

		return meta.Put(metaTotalBytes, localdb.EncodeUint64(uint64(max(total, 0)))) //nolint:gosec // clamped non-negative
	})
	if err != nil {
		return fmt.Errorf("cachestore: put %s: %w", key, err)
	}

	telemetry.RecordCacheWrite(ctx, stored)
	for _, e := range evicted {
		telemetry.RecordCacheEviction(ctx, e.tier, e.size)
		s.logger.Debug("evicted cache entry", "key", e.key, "tier", e.tier, "size", e.size)
	}
	return nil
}

type evictedEntry struct {
	key  string
	tier string
	size int64
}

// evict deletes entries in write order until total fits maxBytes.
// Prior generations go first, then the current generation oldest first.
func (s *BoltStore) evict(tx *bbolt.Tx, generation, keep string, total *int64) ([]evictedEntry, error) {
	byWrite := tx.Bucket(bucketByWrite)
	writeByKey := tx.Bucket(bucketWriteByKey)

	var victims []evictedEntry
	projected := *total

	for _, tier := range []string{tierPrior, tierCurrent} {
		if projected <= s.maxBytes {
			break
		}
		c := byWrite.Cursor()
		for k, v := c.First(); k != nil && projected > s.maxBytes; k, v = c.Next() {
			gen, key := parseWriteValue(v)
			if key == keep {
				continue
			}
			if (tier == tierPrior) == (gen == generation) {
				continue
			}
			_, size := parseKeyIndexValue(writeByKey.Get([]byte(key)))
			victims = append(victims, evictedEntry{key: key, tier: tier, size: size})
			projected -= size
		}
	}

	// Deleting while iterating a bbolt cursor can skip keys, so delete afterwards.
	for _, v := range victims {
		if _, err := deleteEntry(tx, v.key); err != nil {
			return nil, err
		}
	}
	*total = projected
	return victims, nil
}

// deleteEntry removes key from the entry bucket and both write indexes.
// Returns the stored size that was released.
func deleteEntry(tx *bbolt.Tx, key string) (int64, error) {
	writeByKey := tx.Bucket(bucketWriteByKey)
	idx := writeByKey.Get([]byte(key))
	if idx == nil {
		return 0, tx.Bucket(bucketEntries).Delete([]byte(key))
	}
	seq, size := parseKeyIndexValue(idx)

	if err := tx.Bucket(bucketByWrite).Delete(localdb.EncodeUint64(seq)); err != nil {
		return 0, fmt.Errorf("deleting write index: %w", err)
	}
	if err := writeByKey.Delete([]byte(key)); err != nil {
		return 0, fmt.Errorf("deleting write reverse index: %w", err)
	}
	if err := tx.Bucket(bucketEntries).Delete([]byte(key)); err != nil {
		return 0, fmt.Errorf("deleting entry: %w", err)
	}
	return size, nil
}

// Get returns the entry for key, or ErrNotFound.
// A body that fails digest verification returns ErrCorrupted.
func (s *BoltStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.codec == nil {
		return nil, ErrClosed
	}

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry, err := s.codec.decode(data)
	if err != nil {
		return nil, fmt.Errorf("cachestore: get %s: %w", key, err)
	}
	return entry, nil
}

// Delete removes the entry for key. Deleting a missing key is not an error.
func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		size, err := deleteEntry(tx, key)
		if err != nil {
			return err
		}
		return subtractTotal(tx, size)
	})
}

// PurgeGenerationsExcept deletes every entry not tagged with generation and
// returns the number removed. The purge is a single write transaction, so
// concurrent readers never observe a partially purged generation.
func (s *BoltStore) PurgeGenerationsExcept(ctx context.Context, generation string) (int, error) {
	var purged int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var stale []string
		err := tx.Bucket(bucketByWrite).ForEach(func(_, v []byte) error {
			if gen, key := parseWriteValue(v); gen != generation {
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}

		var released int64
		for _, key := range stale {
			size, err := deleteEntry(tx, key)
			if err != nil {
				return err
			}
			released += size
		}
		purged = len(stale)
		return subtractTotal(tx, released)
	})
	if err != nil {
		return 0, fmt.Errorf("cachestore: purging generations: %w", err)
	}

	telemetry.RecordCachePurge(ctx, purged)
	if purged > 0 {
		s.logger.Info("purged stale cache generations", "kept", generation, "deleted", purged)
	}
	return purged, nil
}

// Stats returns entry and byte counts, grouped by generation.
func (s *BoltStore) Stats(_ context.Context) (Stats, error) {
	stats := Stats{MaxBytes: s.maxBytes, Generations: make(map[string]int)}
	err := s.db.View(func(tx *bbolt.Tx) error {
		stats.Bytes = int64(localdb.DecodeUint64(tx.Bucket(bucketMeta).Get(metaTotalBytes))) //nolint:gosec // written from an int64
		return tx.Bucket(bucketByWrite).ForEach(func(_, v []byte) error {
			gen, _ := parseWriteValue(v)
			stats.Generations[gen]++
			stats.Entries++
			return nil
		})
	})
	return stats, err
}

func subtractTotal(tx *bbolt.Tx, released int64) error {
	if released == 0 {
		return nil
	}
	meta := tx.Bucket(bucketMeta)
	total := int64(localdb.DecodeUint64(meta.Get(metaTotalBytes))) - released //nolint:gosec // written from an int64
	if total < 0 {
		total = 0
	}
	return meta.Put(metaTotalBytes, localdb.EncodeUint64(uint64(total)))
}

// IsMiss reports whether err means the caller should treat the lookup as a
// cache miss rather than a storage failure.
func IsMiss(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupted)
}
