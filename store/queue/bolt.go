package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/offline-cache/store/localdb"
	"go.etcd.io/bbolt"
)

// bbolt bucket names. "datasets" and "equipment" are the two logical
// collections of the durable storage schema; the others are their indexes.
var (
	bucketDatasets           = []byte("datasets")             // id(uint64BE) → Record JSON
	bucketDatasetsBySynced   = []byte("datasets_by_synced")   // flag(1)|id(uint64BE) → empty
	bucketEquipment          = []byte("equipment")            // rowID(uint64BE) → EquipmentRow JSON
	bucketEquipmentByDataset = []byte("equipment_by_dataset") // datasetID(uint64BE)|rowID(uint64BE) → empty
)

const (
	flagUnsynced byte = 0
	flagSynced   byte = 1
)

// Queue is the bbolt-backed offline queue. All methods are safe for
// concurrent use; each runs in its own bbolt transaction.
type Queue struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	newKey func() string
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a Queue on an open bbolt database and ensures its buckets exist.
func New(db *bbolt.DB, opts ...Option) (*Queue, error) {
	q := &Queue{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
		newKey: uuid.NewString,
	}
	for _, opt := range opts {
		opt(q)
	}

	err := localdb.CreateBuckets(db,
		bucketDatasets, bucketDatasetsBySynced,
		bucketEquipment, bucketEquipmentByDataset,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return q, nil
}

func syncedIndexKey(flag byte, id uint64) []byte {
	key := make([]byte, 9)
	key[0] = flag
	copy(key[1:], localdb.EncodeUint64(id))
	return key
}

// Enqueue appends payload as a new unsynced record and returns its id.
// Ids come from the bucket sequence, so they are unique and increase in
// creation order.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (uint64, error) {
	rec, err := q.Append(ctx, payload)
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// Append is Enqueue returning the full stored record.
func (q *Queue) Append(_ context.Context, payload []byte) (*Record, error) {
	rec := &Record{
		Payload:        bytes.Clone(payload),
		CreatedAt:      q.now().UTC(),
		Offline:        true,
		IdempotencyKey: q.newKey(),
	}

	err := q.db.Update(func(tx *bbolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		id, err := datasets.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating id: %w", err)
		}
		rec.ID = id

		if err := putRecord(tx, rec); err != nil {
			return err
		}
		return tx.Bucket(bucketDatasetsBySynced).Put(syncedIndexKey(flagUnsynced, id), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}

	q.logger.Debug("enqueued offline record", "id", rec.ID)
	return rec, nil
}

func putRecord(tx *bbolt.Tx, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := tx.Bucket(bucketDatasets).Put(localdb.EncodeUint64(rec.ID), data); err != nil {
		return fmt.Errorf("putting record: %w", err)
	}
	return nil
}

func getRecord(tx *bbolt.Tx, id uint64) (*Record, error) {
	val := tx.Bucket(bucketDatasets).Get(localdb.EncodeUint64(id))
	if val == nil {
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record %d: %w", id, err)
	}
	return &rec, nil
}

// Get returns the record with the given id.
func (q *Queue) Get(_ context.Context, id uint64) (*Record, error) {
	var rec *Record
	err := q.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	return rec, err
}

// ListUnsynced returns every unsynced record in ascending id order, which is
// the order the user made the writes.
func (q *Queue) ListUnsynced(_ context.Context) ([]Record, error) {
	var records []Record
	err := q.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte{flagUnsynced}
		c := tx.Bucket(bucketDatasetsBySynced).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rec, err := getRecord(tx, localdb.DecodeUint64(k[1:]))
			if err != nil {
				return err
			}
			records = append(records, *rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: list unsynced: %w", err)
	}
	return records, nil
}

// List returns every record, synced or not, in ascending id order.
func (q *Queue) List(_ context.Context) ([]Record, error) {
	var records []Record
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDatasets).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return records, nil
}

// CountUnsynced returns the number of records waiting to be replayed.
func (q *Queue) CountUnsynced(_ context.Context) (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte{flagUnsynced}
		c := tx.Bucket(bucketDatasetsBySynced).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Stats returns record counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDatasetsBySynced).ForEach(func(k, _ []byte) error {
			stats.Total++
			if k[0] == flagSynced {
				stats.Synced++
			} else {
				stats.Unsynced++
			}
			return nil
		})
	})
	return stats, err
}

// MarkSynced flips the record to synced in place. It is idempotent: a
// record that is already synced, or an unknown id, is a no-op.
func (q *Queue) MarkSynced(_ context.Context, id uint64) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Synced {
			return nil
		}

		now := q.now().UTC()
		rec.Synced = true
		rec.SyncedAt = &now
		if err := putRecord(tx, rec); err != nil {
			return err
		}

		index := tx.Bucket(bucketDatasetsBySynced)
		if err := index.Delete(syncedIndexKey(flagUnsynced, id)); err != nil {
			return fmt.Errorf("deleting unsynced index: %w", err)
		}
		return index.Put(syncedIndexKey(flagSynced, id), nil)
	})
	if err != nil {
		return fmt.Errorf("queue: mark synced %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed replay attempt. The record stays unsynced.
// Unknown ids are ignored.
func (q *Queue) MarkFailed(_ context.Context, id uint64, status int, cause error) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Synced {
			return nil
		}
		rec.Attempts++
		rec.LastStatus = status
		rec.LastError = ""
		if cause != nil {
			rec.LastError = cause.Error()
		}
		return putRecord(tx, rec)
	})
	if err != nil {
		return fmt.Errorf("queue: mark failed %d: %w", id, err)
	}
	return nil
}

// Remove deletes a synced record and its equipment rows. Removing an
// unsynced record returns ErrUnsynced; an unknown id returns ErrNotFound.
func (q *Queue) Remove(_ context.Context, id uint64) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return removeRecord(tx, id)
	})
}

func removeRecord(tx *bbolt.Tx, id uint64) error {
	rec, err := getRecord(tx, id)
	if err != nil {
		return err
	}
	if !rec.Synced {
		return ErrUnsynced
	}

	if err := deleteEquipment(tx, id); err != nil {
		return err
	}
	if err := tx.Bucket(bucketDatasetsBySynced).Delete(syncedIndexKey(flagSynced, id)); err != nil {
		return fmt.Errorf("deleting synced index: %w", err)
	}
	return tx.Bucket(bucketDatasets).Delete(localdb.EncodeUint64(id))
}

// PruneSynced removes every synced record and returns how many were removed.
func (q *Queue) PruneSynced(_ context.Context) (int, error) {
	var removed int
	err := q.db.Update(func(tx *bbolt.Tx) error {
		var ids []uint64
		prefix := []byte{flagSynced}
		c := tx.Bucket(bucketDatasetsBySynced).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, localdb.DecodeUint64(k[1:]))
		}
		for _, id := range ids {
			if err := removeRecord(tx, id); err != nil {
				return err
			}
		}
		removed = len(ids)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: prune synced: %w", err)
	}
	return removed, nil
}
