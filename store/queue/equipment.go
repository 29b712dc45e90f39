package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/wolfeidau/offline-cache/store/localdb"
	"go.etcd.io/bbolt"
)

// AddEquipment stores rows in the equipment collection under datasetID.
// The dataset record must exist.
func (q *Queue) AddEquipment(_ context.Context, datasetID uint64, rows []EquipmentRow) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getRecord(tx, datasetID); err != nil {
			return err
		}

		equipment := tx.Bucket(bucketEquipment)
		byDataset := tx.Bucket(bucketEquipmentByDataset)
		for i := range rows {
			id, err := equipment.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating row id: %w", err)
			}
			row := rows[i]
			row.ID = id
			row.DatasetID = datasetID

			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("marshaling row: %w", err)
			}
			rowKey := localdb.EncodeUint64(id)
			if err := equipment.Put(rowKey, data); err != nil {
				return fmt.Errorf("putting row: %w", err)
			}
			if err := byDataset.Put(localdb.CompoundKey(datasetID, rowKey), nil); err != nil {
				return fmt.Errorf("putting row index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: add equipment to %d: %w", datasetID, err)
	}
	return nil
}

// ListEquipment returns the rows stored for datasetID in insertion order.
func (q *Queue) ListEquipment(_ context.Context, datasetID uint64) ([]EquipmentRow, error) {
	var rows []EquipmentRow
	err := q.db.View(func(tx *bbolt.Tx) error {
		equipment := tx.Bucket(bucketEquipment)
		prefix := localdb.EncodeUint64(datasetID)
		c := tx.Bucket(bucketEquipmentByDataset).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			val := equipment.Get(k[8:])
			if val == nil {
				continue
			}
			var row EquipmentRow
			if err := json.Unmarshal(val, &row); err != nil {
				return fmt.Errorf("unmarshaling row: %w", err)
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: list equipment for %d: %w", datasetID, err)
	}
	return rows, nil
}

func deleteEquipment(tx *bbolt.Tx, datasetID uint64) error {
	equipment := tx.Bucket(bucketEquipment)
	byDataset := tx.Bucket(bucketEquipmentByDataset)

	var keys [][]byte
	prefix := localdb.EncodeUint64(datasetID)
	c := byDataset.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := equipment.Delete(k[8:]); err != nil {
			return fmt.Errorf("deleting row: %w", err)
		}
		if err := byDataset.Delete(k); err != nil {
			return fmt.Errorf("deleting row index: %w", err)
		}
	}
	return nil
}
