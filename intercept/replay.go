package intercept

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wolfeidau/offline-cache/store/queue"
	"github.com/wolfeidau/offline-cache/upstream"
)

// IdempotencyKeyHeader carries the per-record key on every replay so the
// origin can drop duplicates of a write it already applied.
const IdempotencyKeyHeader = "Idempotency-Key"

// forwardedWriteHeaders are the app request headers kept with a queued write.
var forwardedWriteHeaders = []string{
	"Accept",
	"Authorization",
	"Content-Type",
	IdempotencyKeyHeader,
}

// WriteRequest is the queued form of an api write.
type WriteRequest struct {
	Method      string      `json:"method"`
	Path        string      `json:"path"`
	RawQuery    string      `json:"query,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body,omitempty"`
}

func newWriteRequest(r *http.Request, body []byte) *WriteRequest {
	header := make(http.Header)
	for _, name := range forwardedWriteHeaders {
		if v := r.Header.Values(name); len(v) > 0 {
			header[http.CanonicalHeaderKey(name)] = append([]string(nil), v...)
		}
	}
	return &WriteRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		ContentType: r.Header.Get("Content-Type"),
		Header:      header,
		Body:        body,
	}
}

// Replayer is the network half of the api-write path. It never queues.
type Replayer struct {
	origin Origin
}

// NewReplayer creates a Replayer sending to origin.
func NewReplayer(origin Origin) *Replayer {
	return &Replayer{origin: origin}
}

// Send forwards wr to the origin. A non-empty idempotencyKey is set unless
// the app supplied its own.
func (rp *Replayer) Send(ctx context.Context, wr *WriteRequest, idempotencyKey string) (*upstream.Response, error) {
	header := wr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if wr.ContentType != "" {
		header.Set("Content-Type", wr.ContentType)
	}
	if idempotencyKey != "" && header.Get(IdempotencyKeyHeader) == "" {
		header.Set(IdempotencyKeyHeader, idempotencyKey)
	}
	return rp.origin.Do(ctx, &upstream.Request{
		Method:   wr.Method,
		Path:     wr.Path,
		RawQuery: wr.RawQuery,
		Header:   header,
		Body:     wr.Body,
	})
}

// Replay sends a queued record to the origin.
func (rp *Replayer) Replay(ctx context.Context, rec queue.Record) (*upstream.Response, error) {
	var wr WriteRequest
	if err := json.Unmarshal(rec.Payload, &wr); err != nil {
		return nil, fmt.Errorf("decoding queued write %d: %w", rec.ID, err)
	}
	if wr.Method == "" || wr.Path == "" {
		return nil, fmt.Errorf("queued write %d has no method or path", rec.ID)
	}
	return rp.Send(ctx, &wr, rec.IdempotencyKey)
}
