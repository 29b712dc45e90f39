package intercept

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/wolfeidau/offline-cache/store/cachestore"
	"github.com/wolfeidau/offline-cache/upstream"
)

// SourceHeader tells the app where a response came from: "network",
// "cache" or "queue".
const SourceHeader = "X-Offline-Cache"

// storedHeaders are the origin headers kept with a cached entry.
var storedHeaders = []string{
	"Cache-Control",
	"Content-Disposition",
	"Content-Language",
	"Etag",
	"Last-Modified",
	"Vary",
}

func cacheableHeaders(h http.Header) http.Header {
	out := make(http.Header)
	for _, name := range storedHeaders {
		if v := h.Values(name); len(v) > 0 {
			out[http.CanonicalHeaderKey(name)] = append([]string(nil), v...)
		}
	}
	return out
}

// OfflineMiss is the body returned for an api read that failed on the
// network and has nothing cached.
type OfflineMiss struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
}

// offlineMissBody is fixed: apps match on it to render their offline state.
var offlineMissBody = OfflineMiss{Error: "Offline - No cached data", Offline: true}

func writeEntry(w http.ResponseWriter, r *http.Request, entry *cachestore.Entry) {
	h := w.Header()
	for k, vv := range entry.Payload.Header {
		h[k] = append([]string(nil), vv...)
	}
	if entry.Payload.ContentType != "" {
		h.Set("Content-Type", entry.Payload.ContentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(entry.Payload.Body)))
	h.Set(SourceHeader, "cache")

	status := entry.Payload.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Payload.Body)
	}
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp *upstream.Response) {
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append([]string(nil), vv...)
	}
	if r.Method != http.MethodHead || len(resp.Body) > 0 {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	h.Set(SourceHeader, "network")
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
