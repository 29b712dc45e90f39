package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/store/localdb"
	"github.com/wolfeidau/offline-cache/store/queue"
	"github.com/wolfeidau/offline-cache/upstream"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db := localdb.New(localdb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "offline.db")))
	t.Cleanup(func() { _ = db.Close() })

	q, err := queue.New(db.Bolt())
	require.NoError(t, err)
	return q
}

// fakeReplayer answers each replay with the status configured for its id,
// 201 by default, or a transport error when the status is zero.
type fakeReplayer struct {
	mu       sync.Mutex
	statuses map[uint64]int
	seen     []uint64
	onReplay func(queue.Record)
}

func (f *fakeReplayer) Replay(_ context.Context, rec queue.Record) (*upstream.Response, error) {
	f.mu.Lock()
	f.seen = append(f.seen, rec.ID)
	status, ok := f.statuses[rec.ID]
	hook := f.onReplay
	f.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	if !ok {
		status = http.StatusCreated
	}
	if status == 0 {
		return nil, errors.New("connection refused")
	}
	return &upstream.Response{Status: status, Header: http.Header{}}, nil
}

func (f *fakeReplayer) replayed() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.seen...)
}

func enqueueN(t *testing.T, q *queue.Queue, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		wr := intercept.WriteRequest{
			Method:      http.MethodPost,
			Path:        "/api/datasets/upload/",
			ContentType: "application/json",
			Body:        []byte(`{"n":` + string(rune('0'+i)) + `}`),
		}
		payload, err := json.Marshal(wr)
		require.NoError(t, err)
		id, err := q.Enqueue(context.Background(), payload)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
		return Event{}
	}
}

func drainEvents(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestReconciler_ReconnectDrainsInOrder(t *testing.T) {
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []string
		keys     []string
	)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, string(body))
		keys = append(keys, r.Header.Get(intercept.IdempotencyKeyHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	client, err := upstream.New(origin.URL)
	require.NoError(t, err)

	q := newTestQueue(t)
	hub := NewHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	r := New(q, intercept.NewReplayer(client), hub, WithInitialState(false))
	defer r.Close()

	ids := enqueueN(t, q, 3)

	r.HandleSignal(ctx, Signal{Online: true, Source: SourceHTTP})
	r.wg.Wait()

	assert.True(t, r.Online())
	assert.Equal(t, []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}, received)

	for i, id := range ids {
		rec, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.Synced, "record %d synced", id)
		assert.Equal(t, rec.IdempotencyKey, keys[i])
	}

	assert.Equal(t, []Event{{Type: EventOnlineStatus, IsOnline: true}}, drainEvents(events))

	// a repeated online signal changes nothing
	r.HandleSignal(ctx, Signal{Online: true, Source: SourceHTTP})
	r.wg.Wait()
	assert.Empty(t, drainEvents(events))
	assert.Len(t, received, 3)
}

func TestReconciler_DrainStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	ids := enqueueN(t, q, 3)

	rp := &fakeReplayer{statuses: map[uint64]int{ids[1]: http.StatusServiceUnavailable}}
	hub := NewHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	r := New(q, rp, hub, WithInitialState(false))
	defer r.Close()

	r.HandleSignal(ctx, Signal{Online: true, Source: SourceHTTP})
	r.wg.Wait()

	assert.Equal(t, ids[:2], rp.replayed(), "record 3 not attempted")
	assert.True(t, r.Online(), "a failed drain leaves the state online")

	first, err := q.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, first.Synced)

	second, err := q.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.False(t, second.Synced)
	assert.Equal(t, 1, second.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, second.LastStatus)

	unsynced, err := q.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 2)

	assert.Equal(t, []Event{{Type: EventOnlineStatus, IsOnline: true}}, drainEvents(events))

	// a later explicit drain picks up where the last one stopped
	rp.mu.Lock()
	delete(rp.statuses, ids[1])
	rp.mu.Unlock()
	completed, err := r.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, []uint64{ids[0], ids[1], ids[1], ids[2]}, rp.replayed())
	assert.Empty(t, drainEvents(events), "explicit drains do not broadcast")
}

func TestReconciler_RejectedWriteStopsDrain(t *testing.T) {
	statuses := []int{
		http.StatusInternalServerError,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusRequestTimeout,
		http.StatusUnprocessableEntity,
		http.StatusTooManyRequests,
		http.StatusFound,
	}
	for _, status := range statuses {
		t.Run(http.StatusText(status), func(t *testing.T) {
			ctx := context.Background()
			q := newTestQueue(t)
			ids := enqueueN(t, q, 3)

			rp := &fakeReplayer{statuses: map[uint64]int{ids[0]: status}}
			r := New(q, rp, NewHub())
			defer r.Close()

			completed, err := r.Drain(ctx)
			require.NoError(t, err)
			assert.False(t, completed)
			assert.Equal(t, ids[:1], rp.replayed(), "later records not attempted")

			rec, err := q.Get(ctx, ids[0])
			require.NoError(t, err)
			assert.False(t, rec.Synced)
			assert.Equal(t, 1, rec.Attempts)
			assert.Equal(t, status, rec.LastStatus)
			assert.Contains(t, rec.LastError, ErrRejected.Error())

			pruned, err := q.PruneSynced(ctx)
			require.NoError(t, err)
			assert.Zero(t, pruned, "rejected writes are never pruned")

			unsynced, err := q.ListUnsynced(ctx)
			require.NoError(t, err)
			assert.Len(t, unsynced, 3)
		})
	}
}

func TestReconciler_MalformedRecordStopsDrain(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	_, err := q.Enqueue(ctx, []byte(`not json`))
	require.NoError(t, err)
	enqueueN(t, q, 1)

	client, err := upstream.New("http://127.0.0.1:1")
	require.NoError(t, err)
	r := New(q, intercept.NewReplayer(client), NewHub())
	defer r.Close()

	completed, err := r.Drain(ctx)
	require.NoError(t, err)
	assert.False(t, completed)

	unsynced, err := q.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, 1, unsynced[0].Attempts)
	assert.Equal(t, 0, unsynced[1].Attempts)
}

func TestReconciler_OfflineSignalDuringDrain(t *testing.T) {
	q := newTestQueue(t)
	ids := enqueueN(t, q, 3)

	hub := NewHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	replaying := make(chan struct{})
	release := make(chan struct{})
	rp := &fakeReplayer{onReplay: func(rec queue.Record) {
		if rec.ID == ids[0] {
			close(replaying)
			<-release
		}
	}}

	r := New(q, rp, hub, WithInitialState(false))
	defer r.Close()

	signals := make(chan Signal)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = r.Run(ctx, signals) }()

	signals <- Signal{Online: true, Source: SourceHTTP}
	<-replaying

	// the offline signal is applied while the first replay is still blocked
	signals <- Signal{Online: false, Source: SourceFile}
	assert.Equal(t, Event{Type: EventOnlineStatus, IsOnline: false}, nextEvent(t, events))
	assert.False(t, r.Online())

	close(release)
	r.wg.Wait()

	assert.False(t, r.Online())
	assert.Equal(t, ids[:1], rp.replayed(), "drain stops once offline")
	assert.Empty(t, drainEvents(events), "no online broadcast after the aborted drain")
}

func TestReconciler_FlapDuringDrainAnnouncesOnce(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	ids := enqueueN(t, q, 2)

	hub := NewHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	r := New(q, nil, hub, WithInitialState(false))
	defer r.Close()

	rp := &fakeReplayer{}
	rp.onReplay = func(rec queue.Record) {
		if rec.ID == ids[0] && len(rp.replayed()) == 1 {
			r.HandleSignal(ctx, Signal{Online: false, Source: SourceHTTP})
			r.HandleSignal(ctx, Signal{Online: true, Source: SourceHTTP})
		}
	}
	r.replayer = rp

	r.HandleSignal(ctx, Signal{Online: true, Source: SourceHTTP})
	r.wg.Wait()

	assert.True(t, r.Online())
	assert.Equal(t, []Event{
		{Type: EventOnlineStatus, IsOnline: false},
		{Type: EventOnlineStatus, IsOnline: true},
	}, drainEvents(events))

	n, err := q.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconciler_Inferred(t *testing.T) {
	t.Run("failure takes the state offline and broadcasts", func(t *testing.T) {
		hub := NewHub()
		events, cancel := hub.Subscribe()
		defer cancel()

		r := New(newTestQueue(t), &fakeReplayer{}, hub)
		defer r.Close()

		r.ObserveFailure(time.Now(), false)
		assert.False(t, r.Online())
		assert.Equal(t, []Event{{Type: EventOnlineStatus, IsOnline: false}}, drainEvents(events))

		// already offline: only announcing reads re-broadcast
		r.ObserveFailure(time.Now(), false)
		assert.Empty(t, drainEvents(events))
		r.ObserveFailure(time.Now(), true)
		assert.Equal(t, []Event{{Type: EventOnlineStatus, IsOnline: false}}, drainEvents(events))
	})

	t.Run("failure contradicted by a later success is ignored", func(t *testing.T) {
		hub := NewHub()
		events, cancel := hub.Subscribe()
		defer cancel()

		r := New(newTestQueue(t), &fakeReplayer{}, hub)
		defer r.Close()

		early := time.Now()
		r.ObserveSuccess(early.Add(time.Second), false)
		r.ObserveFailure(early, true)

		assert.True(t, r.Online())
		assert.Empty(t, drainEvents(events))
	})

	t.Run("success while offline drains and broadcasts once", func(t *testing.T) {
		ctx := context.Background()
		q := newTestQueue(t)
		enqueueN(t, q, 2)

		hub := NewHub()
		events, cancel := hub.Subscribe()
		defer cancel()

		rp := &fakeReplayer{}
		r := New(q, rp, hub, WithInitialState(false))

		r.ObserveSuccess(time.Now(), true)
		r.wg.Wait()
		defer r.Close()

		assert.True(t, r.Online())
		assert.Len(t, rp.replayed(), 2)
		n, err := q.CountUnsynced(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, []Event{{Type: EventOnlineStatus, IsOnline: true}}, drainEvents(events))
	})

	t.Run("success while online announces only for reads", func(t *testing.T) {
		hub := NewHub()
		events, cancel := hub.Subscribe()
		defer cancel()

		r := New(newTestQueue(t), &fakeReplayer{}, hub)
		defer r.Close()

		r.ObserveSuccess(time.Now(), false)
		assert.Empty(t, drainEvents(events))
		r.ObserveSuccess(time.Now(), true)
		assert.Equal(t, []Event{{Type: EventOnlineStatus, IsOnline: true}}, drainEvents(events))
	})
}

func TestReconciler_Run(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	r := New(newTestQueue(t), &fakeReplayer{}, hub)
	defer r.Close()

	signals := make(chan Signal)
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, signals) }()

	signals <- Signal{Online: false, Source: SourceFile}
	assert.Equal(t, Event{Type: EventOnlineStatus, IsOnline: false}, nextEvent(t, events))
	signals <- Signal{Online: true, Source: SourceFile}
	assert.Equal(t, Event{Type: EventOnlineStatus, IsOnline: true}, nextEvent(t, events))

	stop()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, drainEvents(events))
}

func TestReconciler_Announce(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	r := New(newTestQueue(t), &fakeReplayer{}, hub, WithInitialState(false))
	defer r.Close()

	r.Announce()
	assert.Equal(t, []Event{{Type: EventOnlineStatus, IsOnline: false}}, drainEvents(events))
}
