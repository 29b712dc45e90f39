// Package cachestore provides the versioned key→response cache used for
// static-asset bytes and serialized API payloads. Entries are tagged with
// the cache generation (the deployed cache version string) that wrote them.
package cachestore

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a key.
	ErrNotFound = errors.New("cachestore: not found")

	// ErrClosed is returned by reads and writes after Close.
	ErrClosed = errors.New("cachestore: closed")
)

// Payload is a cached response body plus the metadata needed to replay it.
type Payload struct {
	Status      int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Entry is one cached response.
type Entry struct {
	Key        string
	Generation string
	Payload    Payload
	Seq        uint64    // write sequence, used for least-recently-written eviction
	StoredAt   time.Time // when the entry was written
	Size       int64     // uncompressed body size
	Digest     string    // BLAKE3 digest of the uncompressed body
}

// Stats summarises the store contents.
type Stats struct {
	Entries     int            `json:"entries"`
	Bytes       int64          `json:"bytes"`
	MaxBytes    int64          `json:"max_bytes"`
	Generations map[string]int `json:"generations"`
}
