package cachestore

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	offlinecache "github.com/wolfeidau/offline-cache"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	// zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxBodySize is the maximum allowed uncompressed body size.
	MaxBodySize = 32 * 1024 * 1024

	// envelopeVersion is written into every envelope.
	envelopeVersion = 1
)

// Body encodings stored in the envelope.
const (
	encodingIdentity uint64 = 0
	encodingZstd     uint64 = 1
)

// Envelope field numbers. Never renumber: entries written by older builds
// are decoded with these until purged.
const (
	fieldVersion     protowire.Number = 1
	fieldKey         protowire.Number = 2
	fieldGeneration  protowire.Number = 3
	fieldStatus      protowire.Number = 4
	fieldContentType protowire.Number = 5
	fieldHeader      protowire.Number = 6
	fieldBody        protowire.Number = 7
	fieldEncoding    protowire.Number = 8
	fieldDigest      protowire.Number = 9
	fieldSize        protowire.Number = 10
	fieldStoredAt    protowire.Number = 11
	fieldSeq         protowire.Number = 12

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

var (
	// ErrBodyTooLarge is returned when a body exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("cachestore: body exceeds maximum size")

	// ErrCorrupted is returned when a stored body fails digest verification
	// or the envelope cannot be decoded.
	ErrCorrupted = errors.New("cachestore: corrupted entry")
)

// codec handles envelope encoding/decoding with optional compression.
// Encoder and decoder are goroutine-safe and reused.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode serialises an entry. The body is compressed when that saves space.
func (c *codec) encode(e *Entry) ([]byte, error) {
	body := e.Payload.Body
	if len(body) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	encoding := encodingIdentity
	stored := body
	if len(body) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(body, nil); len(compressed) < len(body) {
				stored = compressed
				encoding = encodingZstd
			}
		}
	}

	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, envelopeVersion)
	b = appendString(b, fieldKey, e.Key)
	b = appendString(b, fieldGeneration, e.Generation)
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Payload.Status)) //nolint:gosec // HTTP status is small and positive
	b = appendString(b, fieldContentType, e.Payload.ContentType)
	for name, values := range e.Payload.Header {
		for _, v := range values {
			var h []byte
			h = appendString(h, fieldHeaderName, name)
			h = appendString(h, fieldHeaderValue, v)
			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, h)
		}
	}
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, stored)
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, encoding)
	b = appendString(b, fieldDigest, e.Digest)
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Size)) //nolint:gosec // size is never negative
	b = protowire.AppendTag(b, fieldStoredAt, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(e.StoredAt.UnixNano())) //nolint:gosec // round-trips through int64
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Seq)
	return b, nil
}

// decode parses an envelope, decompresses the body and verifies its digest.
func (c *codec) decode(data []byte) (*Entry, error) {
	e := &Entry{}
	var (
		stored   []byte
		encoding uint64
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case fieldStatus:
				e.Payload.Status = int(v) //nolint:gosec // written from an int
			case fieldEncoding:
				encoding = v
			case fieldSize:
				e.Size = int64(v) //nolint:gosec // written from an int64
			case fieldSeq:
				e.Seq = v
			}
		case typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(m))
			}
			data = data[m:]
			if num == fieldStoredAt {
				e.StoredAt = time.Unix(0, int64(v)).UTC() //nolint:gosec // written from an int64
			}
		case typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case fieldKey:
				e.Key = string(v)
			case fieldGeneration:
				e.Generation = string(v)
			case fieldContentType:
				e.Payload.ContentType = string(v)
			case fieldHeader:
				name, value, err := decodeHeader(v)
				if err != nil {
					return nil, err
				}
				if e.Payload.Header == nil {
					e.Payload.Header = make(http.Header)
				}
				e.Payload.Header.Add(name, value)
			case fieldBody:
				stored = v
			case fieldDigest:
				e.Digest = string(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}

	body, err := c.decodeBody(stored, encoding, e.Size)
	if err != nil {
		return nil, err
	}
	if e.Digest != "" && offlinecache.HashBytes(body).Digest() != e.Digest {
		return nil, ErrCorrupted
	}
	e.Payload.Body = body
	return e, nil
}

func (c *codec) decodeBody(stored []byte, encoding uint64, size int64) ([]byte, error) {
	switch encoding {
	case encodingIdentity:
		return append([]byte(nil), stored...), nil
	case encodingZstd:
		if size > MaxBodySize {
			return nil, ErrBodyTooLarge
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("cachestore: decoder closed")
		}
		body, err := dec.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing body: %v", ErrCorrupted, err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %d", ErrCorrupted, encoding)
	}
}

func decodeHeader(data []byte) (name, value string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", fmt.Errorf("%w: header: %v", ErrCorrupted, protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return "", "", fmt.Errorf("%w: header: %v", ErrCorrupted, protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}
		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return "", "", fmt.Errorf("%w: header: %v", ErrCorrupted, protowire.ParseError(m))
		}
		data = data[m:]
		switch num {
		case fieldHeaderName:
			name = string(v)
		case fieldHeaderValue:
			value = string(v)
		}
	}
	return name, value, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
