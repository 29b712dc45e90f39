package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-cache/connectivity"
	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/store/cachestore"
	"github.com/wolfeidau/offline-cache/store/localdb"
	"github.com/wolfeidau/offline-cache/store/queue"
	"github.com/wolfeidau/offline-cache/upstream"
	"golang.org/x/net/websocket"
)

type origin struct {
	*httptest.Server
	down    atomic.Bool
	mu      sync.Mutex
	uploads []string
}

func (o *origin) received() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.uploads...)
}

type testStack struct {
	srv    *Server
	http   *httptest.Server
	expect *httpexpect.Expect
	origin *origin
	queue  *queue.Queue
	rec    *connectivity.Reconciler
	hub    *connectivity.Hub
}

func newTestStack(t *testing.T, adminToken string) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	o := &origin{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/summary/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total":3}`))
	})
	mux.HandleFunc("POST /api/datasets/upload/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.uploads = append(o.uploads, string(body))
		o.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(o.Close)

	db := localdb.New(localdb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "offline.db")))
	t.Cleanup(func() { _ = db.Close() })

	cache, err := cachestore.New(db.Bolt())
	require.NoError(t, err)
	q, err := queue.New(db.Bolt())
	require.NoError(t, err)

	client, err := upstream.New(o.URL)
	require.NoError(t, err)

	hub := connectivity.NewHub(connectivity.WithHubLogger(logger))
	rec := connectivity.New(q, intercept.NewReplayer(client), hub, connectivity.WithLogger(logger))
	t.Cleanup(func() { _ = rec.Close() })

	signals := make(chan connectivity.Signal)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = rec.Run(ctx, signals) }()
	t.Cleanup(cancel)

	ic := intercept.New("chemviz-test", cache, q, client, rec, intercept.WithLogger(logger))
	t.Cleanup(ic.Close)

	srv, err := New(Config{
		AdminToken:   adminToken,
		Handler:      ic,
		Cache:        cache,
		Queue:        q,
		Connectivity: rec,
		Hub:          hub,
		Signals:      signals,
		Logger:       logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testStack{
		srv:    srv,
		http:   ts,
		expect: httpexpect.Default(t, ts.URL),
		origin: o,
		queue:  q,
		rec:    rec,
		hub:    hub,
	}
}

func (s *testStack) dialEvents(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.http.URL, "http") + ControlPrefix + "/events"
	conn, err := websocket.Dial(wsURL, "", s.http.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return s.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) connectivity.Event {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var ev connectivity.Event
	require.NoError(t, websocket.JSON.Receive(conn, &ev))
	return ev
}

func (s *testStack) setOnline(t *testing.T, online bool) {
	t.Helper()
	s.expect.POST(ControlPrefix+"/connectivity").
		WithJSON(map[string]bool{"online": online}).
		Expect().
		Status(http.StatusAccepted)
	require.Eventually(t, func() bool { return s.rec.Online() == online }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ControlRoutes(t *testing.T) {
	s := newTestStack(t, "")

	s.expect.GET(ControlPrefix + "/health").
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")

	status := s.expect.GET(ControlPrefix + "/status").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	status.HasValue("online", true)
	status.HasValue("unsynced", 0)

	stats := s.expect.GET(ControlPrefix + "/stats").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	stats.Value("cache").Object().ContainsKey("entries")
	stats.Value("queue").Object().HasValue("total", 0)

	s.expect.GET(ControlPrefix + "/datasets").
		Expect().
		Status(http.StatusOK).
		JSON().Array().IsEmpty()

	s.expect.GET(ControlPrefix + "/datasets/42/equipment").
		Expect().
		Status(http.StatusNotFound)

	s.expect.GET(ControlPrefix + "/datasets/nope/equipment").
		Expect().
		Status(http.StatusBadRequest)

	s.expect.POST(ControlPrefix + "/connectivity").
		WithBytes([]byte(`{}`)).
		Expect().
		Status(http.StatusBadRequest)

	s.expect.GET(ControlPrefix + "/health").
		Expect().
		Header("X-Request-ID").NotEmpty()
}

func TestServer_AdminToken(t *testing.T) {
	s := newTestStack(t, "secret")

	s.expect.POST(ControlPrefix + "/sync").
		Expect().
		Status(http.StatusUnauthorized)

	s.expect.POST(ControlPrefix + "/sync").
		WithHeader("Authorization", "Bearer secret").
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("completed", true)

	// read-only routes stay open
	s.expect.GET(ControlPrefix + "/status").
		Expect().
		Status(http.StatusOK)
}

func TestServer_OfflineRoundTrip(t *testing.T) {
	s := newTestStack(t, "")
	events := s.dialEvents(t)

	// a network-first read populates the cache
	s.expect.GET("/api/summary/").
		Expect().
		Status(http.StatusOK).
		Header(intercept.SourceHeader).IsEqual("network")
	assert.Equal(t, connectivity.Event{Type: connectivity.EventOnlineStatus, IsOnline: true}, readEvent(t, events))

	s.origin.down.Store(true)
	s.setOnline(t, false)
	assert.Equal(t, connectivity.Event{Type: connectivity.EventOnlineStatus, IsOnline: false}, readEvent(t, events))

	// the same read is answered from the cache
	s.expect.GET("/api/summary/").
		Expect().
		Status(http.StatusOK).
		Header(intercept.SourceHeader).IsEqual("cache")
	assert.Equal(t, connectivity.Event{Type: connectivity.EventOnlineStatus, IsOnline: false}, readEvent(t, events))

	// nothing cached: the fixed offline body
	s.expect.GET("/api/missing/").
		Expect().
		Status(http.StatusServiceUnavailable).
		JSON().IsEqual(map[string]any{"error": "Offline - No cached data", "offline": true})
	// the failed read re-announces the offline state
	assert.Equal(t, connectivity.Event{Type: connectivity.EventOnlineStatus, IsOnline: false}, readEvent(t, events))

	var ids []float64
	for i := 1; i <= 3; i++ {
		ack := s.expect.POST("/api/datasets/upload/").
			WithHeader("Content-Type", "application/json").
			WithBytes([]byte(`{"seq":` + string(rune('0'+i)) + `}`)).
			Expect().
			Status(http.StatusAccepted).
			JSON().Object()
		ack.HasValue("queued", true)
		ids = append(ids, ack.Value("id").Number().Raw())
	}
	assert.Empty(t, s.origin.received())

	s.expect.GET(ControlPrefix + "/status").
		Expect().
		JSON().Object().HasValue("unsynced", 3)

	s.origin.down.Store(false)
	s.setOnline(t, true)
	assert.Equal(t, connectivity.Event{Type: connectivity.EventOnlineStatus, IsOnline: true}, readEvent(t, events))

	assert.Equal(t, []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`}, s.origin.received())

	datasets := s.expect.GET(ControlPrefix + "/datasets").
		Expect().
		Status(http.StatusOK).
		JSON().Array()
	datasets.Length().IsEqual(3)
	for i := range ids {
		d := datasets.Value(i).Object()
		d.HasValue("id", ids[i])
		d.HasValue("synced", true)
	}

	// exactly one online broadcast follows the drain
	_ = events.SetDeadline(time.Now().Add(100 * time.Millisecond))
	var extra connectivity.Event
	err := websocket.JSON.Receive(events, &extra)
	require.Error(t, err, "unexpected event %+v", extra)

	// synced records can be removed
	s.expect.DELETE(ControlPrefix + "/datasets/1").
		Expect().
		Status(http.StatusNoContent)
	s.expect.DELETE(ControlPrefix + "/datasets/1").
		Expect().
		Status(http.StatusNotFound)
}

func TestServer_EventsEndOnShutdown(t *testing.T) {
	s := newTestStack(t, "")
	events := s.dialEvents(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.srv.Shutdown(ctx))

	_ = events.SetDeadline(time.Now().Add(2 * time.Second))
	var raw json.RawMessage
	require.Error(t, websocket.JSON.Receive(events, &raw))
}
