package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/store/cachestore"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/upstream"
)

// handleAPIRead serves data reads network first with a cache fallback.
// While connectivity is known to be offline the cache is consulted first.
func (ic *Interceptor) handleAPIRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := offlinecache.APIKey(r.URL)
	logger := ic.logger.With("key", key)

	if !ic.conn.Online() {
		if entry, err := ic.lookup(ctx, key); err == nil {
			logger.Debug("offline, served from cache")
			telemetry.SetCacheResult(r, telemetry.CacheHit)
			writeEntry(w, r, entry)
			ic.conn.Announce()
			return
		}
	}

	started := ic.now()
	fetchCtx, cancel := context.WithTimeout(ctx, ic.apiTimeout)
	defer cancel()

	resp, err := ic.origin.Do(fetchCtx, originRequest(r, r.Method, nil))
	if upstream.IsUnavailable(resp, err) {
		ic.conn.ObserveFailure(started, true)

		entry, cerr := ic.lookup(ctx, key)
		if cerr == nil {
			logger.Debug("network failed, served from cache", "error", err)
			telemetry.SetCacheResult(r, telemetry.CacheStale)
			writeEntry(w, r, entry)
			return
		}
		logger.Debug("network failed, nothing cached", "error", err)
		telemetry.SetCacheResult(r, telemetry.CacheOffline)
		writeJSON(w, http.StatusServiceUnavailable, offlineMissBody)
		return
	}

	if resp.Status == http.StatusOK && r.Method == http.MethodGet {
		ic.store(ctx, key, resp)
	}
	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	writeResponse(w, r, resp)
	ic.conn.ObserveSuccess(started, true)
}

func (ic *Interceptor) lookup(ctx context.Context, key string) (*cachestore.Entry, error) {
	entry, err := ic.cache.Get(ctx, key)
	if err != nil && !cachestore.IsMiss(err) {
		ic.logger.Warn("cache read failed", "key", key, "error", err)
	}
	return entry, err
}

// Ack is the synthesised response for a write stored in the offline queue.
type Ack struct {
	Offline        bool      `json:"offline"`
	Queued         bool      `json:"queued"`
	ID             uint64    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
	FileName       string    `json:"file_name,omitempty"`
	Equipment      int       `json:"equipment_count,omitempty"`
	Message        string    `json:"message"`
}

// handleAPIWrite sends data writes to the origin, queueing them when the
// origin cannot be reached.
func (ic *Interceptor) handleAPIWrite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	wr := newWriteRequest(r, body)

	if !ic.conn.Online() {
		ic.enqueue(w, r, wr, "offline")
		return
	}

	pending, err := ic.queue.CountUnsynced(ctx)
	if err != nil {
		ic.logger.Error("reading offline queue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "offline queue unavailable"})
		return
	}
	if pending > 0 {
		// Earlier queued writes go first so the origin sees them in order.
		drained, err := ic.conn.Drain(ctx)
		if err != nil {
			ic.logger.Warn("draining offline queue failed", "error", err)
		}
		if !drained {
			ic.enqueue(w, r, wr, "pending")
			return
		}
	}

	started := ic.now()
	resp, err := ic.replayer.Send(ctx, wr, "")
	if upstream.IsUnavailable(resp, err) {
		ic.conn.ObserveFailure(started, false)
		ic.enqueue(w, r, wr, "network_failure")
		return
	}
	ic.conn.ObserveSuccess(started, false)
	writeResponse(w, r, resp)
}

// enqueue stores wr in the offline queue and answers with an Ack. A queue
// failure is a fault: the write must never be silently lost.
func (ic *Interceptor) enqueue(w http.ResponseWriter, r *http.Request, wr *WriteRequest, reason string) {
	ctx := r.Context()
	logger := ic.logger.With("method", wr.Method, "path", wr.Path, "reason", reason)

	payload, err := json.Marshal(wr)
	if err != nil {
		logger.Error("encoding queued write failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to queue write"})
		return
	}
	rec, err := ic.queue.Append(ctx, payload)
	if err != nil {
		logger.Error("queueing write failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to queue write"})
		return
	}
	telemetry.RecordQueueEnqueue(ctx, reason)
	telemetry.SetCacheResult(r, telemetry.CacheQueued)
	logger.Info("write queued", "id", rec.ID)

	ack := Ack{
		Offline:        true,
		Queued:         true,
		ID:             rec.ID,
		IdempotencyKey: rec.IdempotencyKey,
		CreatedAt:      rec.CreatedAt,
		Message:        "Saved offline. Will sync when online.",
	}

	if wr.Method == http.MethodPost && wr.Path == ic.datasetUploadPath {
		upload, err := ParseEquipmentUpload(wr.ContentType, wr.Body)
		switch {
		case errors.Is(err, ErrNoCSV):
		case err != nil:
			logger.Warn("parsing queued dataset upload failed", "id", rec.ID, "error", err)
		default:
			ack.FileName = upload.FileName
			if err := ic.queue.AddEquipment(ctx, rec.ID, upload.Rows); err != nil {
				logger.Warn("storing equipment rows failed", "id", rec.ID, "error", err)
			} else {
				ack.Equipment = len(upload.Rows)
			}
		}
	}

	w.Header().Set(SourceHeader, "queue")
	writeJSON(w, http.StatusAccepted, ack)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWriteBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "reading request body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}
