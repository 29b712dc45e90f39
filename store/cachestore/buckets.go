package cachestore

import (
	"bytes"

	"github.com/wolfeidau/offline-cache/store/localdb"
)

// bbolt bucket names. All are prefixed with "cache_" to avoid collisions
// with the offline queue buckets in the same database file.
var (
	bucketEntries    = []byte("cache_entries")      // key → envelope
	bucketByWrite    = []byte("cache_by_write")     // seq(uint64BE) → generation|key
	bucketWriteByKey = []byte("cache_write_by_key") // key → seq(uint64BE)|storedSize(uint64BE)
	bucketMeta       = []byte("cache_meta")         // fixed keys below
)

var metaTotalBytes = []byte("total_bytes")

// makeWriteValue encodes the by-write index value.
// Format: [generation][separator][key]
func makeWriteValue(generation, key string) []byte {
	result := make([]byte, len(generation)+1+len(key))
	copy(result, generation)
	result[len(generation)] = 0 // null separator
	copy(result[len(generation)+1:], key)
	return result
}

// parseWriteValue extracts generation and key from a by-write index value.
func parseWriteValue(data []byte) (generation, key string) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i]), string(data[i+1:])
	}
	return "", string(data)
}

// makeKeyIndexValue encodes the reverse index value.
func makeKeyIndexValue(seq uint64, size int64) []byte {
	result := make([]byte, 16)
	copy(result[:8], localdb.EncodeUint64(seq))
	copy(result[8:], localdb.EncodeUint64(uint64(size))) //nolint:gosec // size is never negative
	return result
}

// parseKeyIndexValue decodes the reverse index value.
func parseKeyIndexValue(data []byte) (seq uint64, size int64) {
	if len(data) < 16 {
		return localdb.DecodeUint64(data), 0
	}
	return localdb.DecodeUint64(data[:8]), int64(localdb.DecodeUint64(data[8:16])) //nolint:gosec // written from an int64
}
