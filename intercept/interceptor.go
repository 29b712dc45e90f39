// Package intercept classifies every app request and answers it from the
// network, the cache store or the offline queue.
package intercept

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wolfeidau/offline-cache/download"
	"github.com/wolfeidau/offline-cache/store/cachestore"
	"github.com/wolfeidau/offline-cache/store/queue"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/upstream"
)

const (
	// DefaultAPITimeout bounds a network-first api read.
	DefaultAPITimeout = 10 * time.Second

	// DefaultRefreshTimeout bounds a background stale-while-revalidate fetch.
	DefaultRefreshTimeout = 30 * time.Second

	// DefaultDatasetUploadPath is the write endpoint whose CSV body is
	// parsed into equipment rows when queued.
	DefaultDatasetUploadPath = "/api/datasets/upload/"

	// maxWriteBody caps a buffered api write body.
	maxWriteBody = 32 << 20
)

// Cache is the subset of the cache store the interceptor uses.
type Cache interface {
	Get(ctx context.Context, key string) (*cachestore.Entry, error)
	Put(ctx context.Context, key string, payload cachestore.Payload, generation string) error
}

// Queue is the subset of the offline queue the interceptor uses.
type Queue interface {
	Append(ctx context.Context, payload []byte) (*queue.Record, error)
	AddEquipment(ctx context.Context, datasetID uint64, rows []queue.EquipmentRow) error
	CountUnsynced(ctx context.Context) (int, error)
}

// Origin sends requests to the origin server.
type Origin interface {
	Do(ctx context.Context, req *upstream.Request) (*upstream.Response, error)
}

// Connectivity is the view of connectivity state the interceptor reads and
// feeds with the outcome of its network attempts.
type Connectivity interface {
	Online() bool

	// ObserveSuccess reports that a network attempt started at started
	// reached the origin. announce asks for a status broadcast.
	ObserveSuccess(started time.Time, announce bool)

	// ObserveFailure reports a network failure of an attempt started at
	// started. announce asks for a status broadcast.
	ObserveFailure(started time.Time, announce bool)

	// Announce rebroadcasts the current state.
	Announce()

	// Drain replays pending queued writes and reports whether the queue
	// was fully drained.
	Drain(ctx context.Context) (bool, error)
}

// Interceptor is the http.Handler that sits between the app and the origin.
type Interceptor struct {
	cache      Cache
	queue      Queue
	origin     Origin
	conn       Connectivity
	replayer   *Replayer
	downloader *download.Downloader
	logger     *slog.Logger
	now        func() time.Time

	generation        string
	apiPrefix         string
	apiTimeout        time.Duration
	refreshTimeout    time.Duration
	datasetUploadPath string

	// Lifecycle management for background refreshes and precache
	wg      sync.WaitGroup
	storeMu sync.RWMutex // held by cache writes, Close waits on it
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the logger for the interceptor.
func WithLogger(logger *slog.Logger) Option {
	return func(ic *Interceptor) {
		ic.logger = logger
	}
}

// WithAPIPrefix sets the path prefix of data API requests.
func WithAPIPrefix(prefix string) Option {
	return func(ic *Interceptor) {
		ic.apiPrefix = prefix
	}
}

// WithAPITimeout sets the bound on network-first api reads.
func WithAPITimeout(d time.Duration) Option {
	return func(ic *Interceptor) {
		ic.apiTimeout = d
	}
}

// WithRefreshTimeout sets the bound on background refreshes.
func WithRefreshTimeout(d time.Duration) Option {
	return func(ic *Interceptor) {
		ic.refreshTimeout = d
	}
}

// WithDatasetUploadPath sets the dataset CSV upload endpoint.
func WithDatasetUploadPath(path string) Option {
	return func(ic *Interceptor) {
		ic.datasetUploadPath = path
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(ic *Interceptor) {
		ic.now = now
	}
}

// New creates an Interceptor. generation is the cache version tag applied
// to every entry this process writes.
func New(generation string, cache Cache, q Queue, origin Origin, conn Connectivity, opts ...Option) *Interceptor {
	ctx, cancel := context.WithCancel(context.Background())
	ic := &Interceptor{
		cache:             cache,
		queue:             q,
		origin:            origin,
		conn:              conn,
		replayer:          NewReplayer(origin),
		logger:            slog.Default(),
		now:               time.Now,
		generation:        generation,
		apiPrefix:         DefaultAPIPrefix,
		apiTimeout:        DefaultAPITimeout,
		refreshTimeout:    DefaultRefreshTimeout,
		datasetUploadPath: DefaultDatasetUploadPath,
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		opt(ic)
	}
	ic.downloader = download.New(download.WithLogger(ic.logger))
	return ic
}

// Close cancels background work and waits for it to finish. Fetches that
// outlive it never write to the cache.
func (ic *Interceptor) Close() {
	ic.cancel()
	ic.wg.Wait()
	ic.storeMu.Lock()
	defer ic.storeMu.Unlock()
}

// Classify returns the class of a request under the configured API prefix.
func (ic *Interceptor) Classify(method, path string) Class {
	return Classify(method, path, ic.apiPrefix)
}

// ServeHTTP implements http.Handler.
func (ic *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	class := ic.Classify(r.Method, r.URL.Path)
	telemetry.SetClass(r, class.String())

	switch class {
	case APIRead:
		ic.handleAPIRead(w, r)
	case APIWrite:
		ic.handleAPIWrite(w, r)
	default:
		ic.handleStatic(w, r)
	}
}

// originRequest builds the origin request for r with the given method and body.
func originRequest(r *http.Request, method string, body []byte) *upstream.Request {
	return &upstream.Request{
		Method:   method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	}
}

// store writes payload under key. Failures are logged and never change
// the outcome of the request. Nothing is written once Close has started.
func (ic *Interceptor) store(ctx context.Context, key string, resp *upstream.Response) {
	ic.storeMu.RLock()
	defer ic.storeMu.RUnlock()
	if ic.ctx.Err() != nil {
		ic.logger.Debug("interceptor closed, skipping cache write", "key", key)
		return
	}

	payload := cachestore.Payload{
		Status:      resp.Status,
		ContentType: resp.ContentType(),
		Header:      cacheableHeaders(resp.Header),
		Body:        resp.Body,
	}
	if err := ic.cache.Put(ctx, key, payload, ic.generation); err != nil {
		ic.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
