package localdb

import (
	"encoding/binary"
	"time"
)

// EncodeUint64 converts a sequence number into a fixed-width big-endian key
// so bbolt cursor order matches numeric order.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64 reverses EncodeUint64. Short input decodes to zero.
func DecodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}

// EncodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func EncodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// DecodeTimestamp converts a big-endian byte slice back to time.Time.
func DecodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// CompoundKey joins a uint64 prefix and a suffix, e.g. dataset id + row id.
func CompoundKey(prefix uint64, suffix []byte) []byte {
	key := make([]byte, 8+len(suffix))
	binary.BigEndian.PutUint64(key[:8], prefix)
	copy(key[8:], suffix)
	return key
}
