// Package download provides singleflight-based deduplication for concurrent
// origin fetches. When several requests (or a request and a background
// refresh) need the same uncached resource, only one origin fetch is made.
package download

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wolfeidau/offline-cache/upstream"
	"golang.org/x/sync/singleflight"
)

// FetchFunc fetches one resource from the origin.
// The context passed to FetchFunc is detached from any single request so
// that one caller timing out does not cancel the fetch for other waiters.
type FetchFunc func(ctx context.Context) (*upstream.Response, error)

// Downloader deduplicates concurrent fetches for the same cache key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key.
// Returns the response, whether it was shared with another caller, and any error.
// Shared responses must be treated as read-only.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn FetchFunc) (*upstream.Response, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			forgetOnError(d, key, res.Err)
			return nil, res.Shared, res.Err
		}
		return res.Val.(*upstream.Response), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to start a fresh fetch.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// forgetOnError forgets key after a real fetch failure so the next caller
// retries. Caller-side context errors leave the in-flight fetch alone.
func forgetOnError(d *Downloader, key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.logger.Debug("origin fetch failed", "key", key, "error", err)
	d.Forget(key)
}
