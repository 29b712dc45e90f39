// Package connectivity tracks whether the origin is reachable, drains the
// offline queue when it becomes reachable again and fans status changes out
// to every attached consumer.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/offline-cache/store/queue"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/upstream"
)

// Signal sources.
const (
	SourceHTTP     = "http"
	SourceFile     = "file"
	SourceInferred = "inferred"
)

// Signal is a platform connectivity report.
type Signal struct {
	Online bool
	Source string
}

// Queue is the subset of the offline queue the reconciler drains.
type Queue interface {
	ListUnsynced(ctx context.Context) ([]queue.Record, error)
	MarkSynced(ctx context.Context, id uint64) error
	MarkFailed(ctx context.Context, id uint64, status int, cause error) error
}

// Replayer sends one queued record to the origin without queueing it again.
type Replayer interface {
	Replay(ctx context.Context, rec queue.Record) (*upstream.Response, error)
}

// ErrRejected is recorded against a queued write the origin answered with
// a status other than 2xx. The record stays unsynced and stops the drain.
var ErrRejected = errors.New("origin rejected queued write")

// Reconciler owns the connectivity state. Drains are serialised and run
// off the signal path, so a transition to offline takes effect immediately.
type Reconciler struct {
	queue    Queue
	replayer Replayer
	hub      *Hub
	logger   *slog.Logger

	online atomic.Bool
	// epoch counts transitions to online. A drain only announces online
	// for the epoch that started it.
	epoch atomic.Uint64
	// lastSuccess is the start time (unix nanos) of the latest network
	// attempt that reached the origin.
	lastSuccess atomic.Int64

	mu sync.Mutex // held for drains

	// Lifecycle management for drains started by online transitions
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger for the reconciler.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithInitialState sets the state before the first signal arrives.
func WithInitialState(online bool) Option {
	return func(r *Reconciler) {
		r.online.Store(online)
	}
}

// New creates a Reconciler. It starts online unless WithInitialState says
// otherwise.
func New(q Queue, replayer Replayer, hub *Hub, opts ...Option) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		queue:    q,
		replayer: replayer,
		hub:      hub,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.online.Store(true)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Online returns the current connectivity state.
func (r *Reconciler) Online() bool {
	return r.online.Load()
}

// Run consumes platform signals until ctx is cancelled or signals is closed.
func (r *Reconciler) Run(ctx context.Context, signals <-chan Signal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			r.HandleSignal(ctx, sig)
		}
	}
}

// HandleSignal applies one platform signal without blocking. Coming online
// starts a background drain that is followed by the single status
// broadcast; going offline broadcasts at once. Repeating the current state
// is a no-op.
func (r *Reconciler) HandleSignal(ctx context.Context, sig Signal) {
	if sig.Online {
		r.goOnline(ctx, sig.Source)
		return
	}
	r.goOffline(ctx, sig.Source)
}

func (r *Reconciler) goOnline(ctx context.Context, source string) {
	if r.ctx.Err() != nil {
		return
	}
	if !r.online.CompareAndSwap(false, true) {
		return
	}
	epoch := r.epoch.Add(1)
	telemetry.RecordConnectivityTransition(ctx, true, source)
	r.logger.Info("connectivity restored", "source", source)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reconnect(epoch)
	}()
}

// reconnect drains the queue for one online transition and announces it,
// unless the state changed while draining. That change has already been
// broadcast.
func (r *Reconciler) reconnect(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.drainLocked(r.ctx, epoch); err != nil {
		r.logger.Warn("drain after reconnect failed", "error", err)
	}
	if r.current(epoch) {
		r.hub.Publish(r.ctx, true)
	}
}

// current reports whether the state is still online for epoch.
func (r *Reconciler) current(epoch uint64) bool {
	return r.online.Load() && r.epoch.Load() == epoch
}

func (r *Reconciler) goOffline(ctx context.Context, source string) bool {
	if !r.online.CompareAndSwap(true, false) {
		return false
	}
	telemetry.RecordConnectivityTransition(ctx, false, source)
	r.logger.Info("connectivity lost", "source", source)
	r.hub.Publish(ctx, false)
	return true
}

// ObserveSuccess records a network attempt that reached the origin. While
// offline it is evidence of reconnection and starts an inferred transition
// in the background.
func (r *Reconciler) ObserveSuccess(started time.Time, announce bool) {
	ns := started.UnixNano()
	for {
		prev := r.lastSuccess.Load()
		if ns <= prev || r.lastSuccess.CompareAndSwap(prev, ns) {
			break
		}
	}

	if !r.online.Load() {
		r.goOnline(r.ctx, SourceInferred)
		return
	}
	if announce {
		r.hub.Publish(r.ctx, true)
	}
}

// ObserveFailure records a network failure. It infers offline unless an
// attempt that started later has already succeeded.
func (r *Reconciler) ObserveFailure(started time.Time, announce bool) {
	if r.lastSuccess.Load() > started.UnixNano() {
		r.logger.Debug("ignoring stale network failure", "started", started)
		return
	}
	if r.goOffline(r.ctx, SourceInferred) {
		return
	}
	if announce {
		r.hub.Publish(r.ctx, false)
	}
}

// Announce rebroadcasts the current state.
func (r *Reconciler) Announce() {
	r.hub.Publish(r.ctx, r.online.Load())
}

// Drain replays unsynced records in id order and reports whether the queue
// is now empty. It does not broadcast.
func (r *Reconciler) Drain(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drainLocked(ctx, r.epoch.Load())
}

// drainLocked makes one sequential pass over the unsynced records. The
// first record the origin does not accept stops the pass so later records
// keep their order behind it. The pass also stops once the state leaves
// the online epoch it started in.
func (r *Reconciler) drainLocked(ctx context.Context, epoch uint64) (completed bool, err error) {
	start := time.Now()
	defer func() {
		telemetry.RecordQueueDrain(ctx, time.Since(start), completed)
	}()

	records, err := r.queue.ListUnsynced(ctx)
	if err != nil {
		return false, fmt.Errorf("listing unsynced records: %w", err)
	}
	if len(records) == 0 {
		return true, nil
	}
	r.logger.Info("draining offline queue", "pending", len(records))

	for i, rec := range records {
		if !r.current(epoch) {
			r.logger.Info("drain stopped, connectivity lost", "remaining", len(records)-i)
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}

		logger := r.logger.With("id", rec.ID)
		resp, err := r.replayer.Replay(ctx, rec)
		if upstream.IsUnavailable(resp, err) {
			status := 0
			cause := err
			if resp != nil {
				status = resp.Status
				cause = fmt.Errorf("origin returned %d", resp.Status)
			}
			telemetry.RecordQueueReplay(ctx, "failed")
			if merr := r.queue.MarkFailed(ctx, rec.ID, status, cause); merr != nil {
				logger.Error("recording failed replay", "error", merr)
			}
			logger.Warn("replay failed, drain stopped", "error", cause, "remaining", len(records)-i)
			return false, nil
		}

		if resp.Status < 200 || resp.Status > 299 {
			telemetry.RecordQueueReplay(ctx, "rejected")
			cause := fmt.Errorf("%w: status %d", ErrRejected, resp.Status)
			if merr := r.queue.MarkFailed(ctx, rec.ID, resp.Status, cause); merr != nil {
				logger.Error("recording rejected replay", "error", merr)
			}
			logger.Warn("origin rejected queued write, drain stopped", "status", resp.Status, "remaining", len(records)-i)
			return false, nil
		}
		if err := r.queue.MarkSynced(ctx, rec.ID); err != nil {
			return false, fmt.Errorf("marking %d synced: %w", rec.ID, err)
		}
		telemetry.RecordQueueReplay(ctx, "synced")
		logger.Debug("queued write synced", "status", resp.Status)
	}

	r.logger.Info("offline queue drained", "synced", len(records))
	return true, nil
}

// Close cancels drains in flight and waits for them.
func (r *Reconciler) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
