// Package queue provides the durable offline write queue. Records created
// while the origin is unreachable are appended with synced=false and replayed
// in id order by the reconciler once connectivity returns.
package queue

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("queue: not found")

	// ErrUnsynced is returned when removing a record that has not been synced.
	ErrUnsynced = errors.New("queue: record not synced")
)

// Record is one queued offline write. Payload is opaque to the queue.
type Record struct {
	ID             uint64     `json:"id"`
	Payload        []byte     `json:"payload"`
	CreatedAt      time.Time  `json:"created_at"`
	Synced         bool       `json:"synced"`
	Offline        bool       `json:"offline"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	Attempts       int        `json:"attempts"`
	LastStatus     int        `json:"last_status,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// EquipmentRow is one row of a dataset queued offline.
type EquipmentRow struct {
	ID          uint64  `json:"id"`
	DatasetID   uint64  `json:"dataset_id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Flowrate    float64 `json:"flowrate"`
	Pressure    float64 `json:"pressure"`
	Temperature float64 `json:"temperature"`
}

// Stats summarises the queue.
type Stats struct {
	Total    int `json:"total"`
	Unsynced int `json:"unsynced"`
	Synced   int `json:"synced"`
}
