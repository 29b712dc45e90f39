package intercept

import (
	"context"
	"net/http"
	"net/url"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/upstream"
)

// DefaultPrecache is the app shell stored when a new cache generation is
// installed.
var DefaultPrecache = []string{
	"/",
	"/static/js/bundle.js",
	"/static/css/main.css",
	"/manifest.json",
	"/favicon.ico",
}

// Precache fetches each path into the current generation. It is best
// effort: a path that cannot be fetched or stored is logged and skipped.
// Returns the number of paths stored.
func (ic *Interceptor) Precache(ctx context.Context, paths []string) int {
	ctx = telemetry.WithClassContext(ctx, StaticAsset.String())

	var stored int
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		u, err := url.Parse(p)
		if err != nil {
			ic.logger.Warn("precache: invalid path", "path", p, "error", err)
			continue
		}
		key := offlinecache.StaticKey(http.MethodGet, u)

		resp, _, err := ic.downloader.Do(ctx, key, func(fetchCtx context.Context) (*upstream.Response, error) {
			return ic.fetchStatic(fetchCtx, key, &upstream.Request{
				Method:   http.MethodGet,
				Path:     u.Path,
				RawQuery: u.RawQuery,
			})
		})
		if err != nil {
			ic.logger.Warn("precache: fetch failed", "path", p, "error", err)
			continue
		}
		if !isCacheable(resp) {
			ic.logger.Warn("precache: response not cacheable", "path", p, "status", resp.Status)
			continue
		}
		stored++
	}

	ic.logger.Info("precache complete", "stored", stored, "requested", len(paths))
	return stored
}

// StartPrecache runs Precache in the background until it finishes or the
// interceptor is closed.
func (ic *Interceptor) StartPrecache(paths []string) {
	ic.wg.Add(1)
	go func() {
		defer ic.wg.Done()
		ic.Precache(ic.ctx, paths)
	}()
}
