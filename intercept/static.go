package intercept

import (
	"context"
	"net/http"
	"strings"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/store/cachestore"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/upstream"
)

// handleStatic serves app shell assets cache first with a background
// stale-while-revalidate refresh.
func (ic *Interceptor) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		ic.passThrough(w, r)
		return
	}

	ctx := r.Context()
	key := offlinecache.StaticKey(r.Method, r.URL)
	logger := ic.logger.With("key", key)
	// HEAD shares the GET entry, so the origin is always asked for the body.
	req := originRequest(r, http.MethodGet, nil)

	entry, err := ic.cache.Get(ctx, key)
	if err == nil {
		logger.Debug("cache hit")
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		writeEntry(w, r, entry)
		ic.refreshInBackground(key, req)
		return
	}
	if !cachestore.IsMiss(err) {
		logger.Warn("cache read failed", "error", err)
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	resp, _, err := ic.downloader.Do(ctx, key, func(fetchCtx context.Context) (*upstream.Response, error) {
		return ic.fetchStatic(fetchCtx, key, req)
	})
	if upstream.IsUnavailable(resp, err) {
		if isNavigation(r) {
			if root, rerr := ic.cache.Get(ctx, offlinecache.RootDocumentKey()); rerr == nil {
				logger.Debug("origin unreachable, serving cached root document")
				telemetry.SetCacheResult(r, telemetry.CacheStale)
				writeEntry(w, r, root)
				return
			}
		}
		if err == nil {
			writeResponse(w, r, resp)
			return
		}
		logger.Debug("origin unreachable", "error", err)
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}

	writeResponse(w, r, resp)
}

// fetchStatic fetches one asset and stores it when it is cacheable.
func (ic *Interceptor) fetchStatic(ctx context.Context, key string, req *upstream.Request) (*upstream.Response, error) {
	resp, err := ic.origin.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if isCacheable(resp) {
		ic.store(ctx, key, resp)
	} else {
		ic.logger.Debug("response not cacheable",
			"key", key,
			"status", resp.Status,
			"redirected", resp.Redirected,
			"same_origin", resp.SameOrigin,
		)
	}
	return resp, nil
}

// refreshInBackground revalidates a cache hit. The refresh is detached from
// the request and its failure is swallowed.
func (ic *Interceptor) refreshInBackground(key string, req *upstream.Request) {
	ic.wg.Add(1)
	go func() {
		defer ic.wg.Done()

		ctx, cancel := context.WithTimeout(telemetry.WithClassContext(ic.ctx, StaticAsset.String()), ic.refreshTimeout)
		defer cancel()

		resp, _, err := ic.downloader.Do(ctx, key, func(fetchCtx context.Context) (*upstream.Response, error) {
			return ic.fetchStatic(fetchCtx, key, req)
		})
		switch {
		case err != nil:
			ic.logger.Debug("background refresh failed", "key", key, "error", err)
			telemetry.RecordCacheRefresh(ctx, "failed")
		case isCacheable(resp):
			telemetry.RecordCacheRefresh(ctx, "stored")
		default:
			telemetry.RecordCacheRefresh(ctx, "skipped")
		}
	}()
}

// passThrough forwards a non-GET static request without touching the cache.
func (ic *Interceptor) passThrough(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	resp, err := ic.origin.Do(r.Context(), originRequest(r, r.Method, body))
	if err != nil {
		ic.logger.Debug("origin unreachable", "path", r.URL.Path, "error", err)
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	writeResponse(w, r, resp)
}

// isCacheable reports whether an asset response may be stored: a direct
// same-origin 200.
func isCacheable(resp *upstream.Response) bool {
	return resp != nil && resp.Status == http.StatusOK && !resp.Redirected && resp.SameOrigin
}

// isNavigation reports whether r is a top-level document load.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
