// Package watch owns the sync-status watcher: connection supervision with
// bounded exponential backoff, the single event-processing loop,
// reconciliation passes against fetched snapshots, and the read API consumed
// by the dashboard UI. A Watcher is an explicitly constructed, explicitly
// disposed object; there is no ambient global connection.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub000/internal/logging"
	"github.com/steveohanians/pulsedashboard-sub000/internal/reconcile"
	"github.com/steveohanians/pulsedashboard-sub000/internal/status"
	"github.com/steveohanians/pulsedashboard-sub000/internal/stream"
)

// ConnState is the connection lifecycle state. It is owned exclusively by
// the watcher; every other component only reads it.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnError        ConnState = "error"
)

// ChangeConnection marks a connection-state transition in a Change.
const ChangeConnection status.ChangeKind = "connection"

// Change is one observable update delivered to subscribers: an entity
// transition, an aggregate counter move, or a connection-state transition.
type Change struct {
	Kind      status.ChangeKind
	EntityID  string
	Entry     status.Entry
	Progress  status.Progress
	ConnState ConnState
}

// Default supervision parameters.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultHeartbeatTimeout     = 45 * time.Second
)

// Options configures a Watcher.
type Options struct {
	// AutoReconnect re-dials after a transport error with exponential
	// backoff. When false the first failure settles in ConnError.
	AutoReconnect bool

	// MaxReconnectAttempts caps consecutive failed attempts before the
	// watcher settles in ConnError and stops dialing. The counter resets on
	// every successful connection and on Disable. Values < 1 take the
	// default of 5.
	MaxReconnectAttempts int

	// ReconnectBaseDelay seeds the backoff: min(base * 2^(attempt-1), max).
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay bounds the backoff.
	ReconnectMaxDelay time.Duration

	// HeartbeatTimeout errors the connection when no frame (heartbeats
	// included) arrives within the window, catching silent connection death
	// the transport cannot report. Zero disables the watchdog.
	HeartbeatTimeout time.Duration

	// SnapshotInterval triggers periodic reconciliation passes while
	// connected. Zero disables the timer; a pass still runs on every
	// reconnect, and snapshots may be supplied via ApplySnapshot.
	SnapshotInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxReconnectAttempts < 1 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
}

// Watcher composes the transport, decoder, store, and reconciliation policy
// behind one object with the read API the UI consumes.
type Watcher struct {
	transport stream.Transport
	store     *status.Store
	fetcher   *reconcile.Fetcher // nil when no snapshot endpoint is wired
	policy    *reconcile.Policy
	coord     *Coordinator
	opts      Options
	logger    *zap.Logger

	mu        sync.Mutex
	connState ConnState
	attempts  int
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]func(Change)
}

// New creates a Watcher. fetcher, notifier, and logger may be nil.
func New(transport stream.Transport, store *status.Store, fetcher *reconcile.Fetcher, notifier Notifier, opts Options, logger *zap.Logger) *Watcher {
	logger = logging.OrNop(logger)
	opts.applyDefaults()

	w := &Watcher{
		transport: transport,
		store:     store,
		fetcher:   fetcher,
		policy:    reconcile.NewPolicy(logger),
		coord:     NewCoordinator(notifier, logger),
		opts:      opts,
		logger:    logger,
		connState: ConnDisconnected,
		subs:      make(map[int]func(Change)),
	}
	store.Subscribe(w.onStoreChange)
	return w
}

// EntityStatus returns the current sync state of one entity.
func (w *Watcher) EntityStatus(entityID string) (status.Entry, bool) {
	return w.store.Entity(entityID)
}

// Progress returns the aggregate counters of the active bulk session.
func (w *Watcher) Progress() status.Progress {
	return w.store.Progress()
}

// ConnectionState returns the current connection lifecycle state.
func (w *Watcher) ConnectionState() ConnState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connState
}

// Subscribe registers a listener for watcher changes and returns its
// unsubscribe function.
func (w *Watcher) Subscribe(fn func(Change)) func() {
	w.subMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	w.subMu.Unlock()

	return func() {
		w.subMu.Lock()
		delete(w.subs, id)
		w.subMu.Unlock()
	}
}

// BeginBulkSession enrolls entityIDs in a new bulk session, superseding any
// previous one, and returns the session id. The watcher does not start the
// jobs; the caller triggers them against the backend separately.
func (w *Watcher) BeginBulkSession(entityIDs []string) string {
	return w.store.StartSession(entityIDs)
}

// ApplySnapshot runs a reconciliation pass against an externally supplied
// snapshot. Safe to call concurrently with stream processing: the policy's
// precedence rules make the merge order-independent.
func (w *Watcher) ApplySnapshot(snap *reconcile.Snapshot) {
	w.policy.Merge(w.store, snap)
}

// Enable starts the connection loop. It is a no-op while the loop is
// running; after the loop gave up (attempt ceiling reached) Enable starts
// it again from a clean attempt counter.
func (w *Watcher) Enable() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.attempts = 0
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go w.run(ctx)
}

// Disable synchronously stops the connection loop: when it returns, no
// further frames are delivered and no reconnect attempts are made. Safe to
// call at any time, with or without an open connection, and idempotent.
func (w *Watcher) Disable() {
	w.mu.Lock()
	cancel := w.cancel
	running := w.running
	w.mu.Unlock()

	if running && cancel != nil {
		cancel()
		w.wg.Wait()
	}

	w.mu.Lock()
	w.running = false
	w.attempts = 0
	w.mu.Unlock()

	w.setConnState(ConnDisconnected)
}

// run is the supervision loop: dial, consume, back off, repeat.
func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		w.setConnState(ConnConnecting)

		conn, err := w.transport.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !w.handleFailure(ctx, err) {
				return
			}
			continue
		}

		err = w.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if !w.handleFailure(ctx, err) {
			return
		}
	}
}

// handleFailure records a failed attempt, surfaces ConnError, and sleeps the
// backoff delay. It returns false when the loop should stop retrying.
func (w *Watcher) handleFailure(ctx context.Context, err error) bool {
	if err == nil {
		err = errors.New("stream terminated")
	}

	w.mu.Lock()
	w.attempts++
	attempts := w.attempts
	w.mu.Unlock()

	w.setConnState(ConnError)
	w.logger.Warn("stream connection failed",
		zap.Int("attempt", attempts),
		zap.Int("max", w.opts.MaxReconnectAttempts),
		zap.Error(err),
	)

	if !w.opts.AutoReconnect || attempts >= w.opts.MaxReconnectAttempts {
		w.logger.Error("giving up on stream connection",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.backoffDelay(attempts)):
		return true
	}
}

// backoffDelay computes min(base * 2^(attempt-1), max) for attempt >= 1.
func (w *Watcher) backoffDelay(attempt int) time.Duration {
	delay := w.opts.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.opts.ReconnectMaxDelay {
			return w.opts.ReconnectMaxDelay
		}
	}
	if delay > w.opts.ReconnectMaxDelay {
		delay = w.opts.ReconnectMaxDelay
	}
	return delay
}

// consume processes frames from one open connection until it terminates,
// returning the terminal error. The transition to ConnConnected happens on
// the first successful frame, which also resets the attempt counter and
// kicks off a snapshot reconciliation pass to cover anything missed while
// disconnected.
func (w *Watcher) consume(ctx context.Context, conn stream.Conn) error {
	var heartbeat *time.Timer
	var heartbeatC <-chan time.Time
	if w.opts.HeartbeatTimeout > 0 {
		heartbeat = time.NewTimer(w.opts.HeartbeatTimeout)
		defer heartbeat.Stop()
		heartbeatC = heartbeat.C
	}

	var snapshotTick <-chan time.Time
	if w.fetcher != nil && w.opts.SnapshotInterval > 0 {
		ticker := time.NewTicker(w.opts.SnapshotInterval)
		defer ticker.Stop()
		snapshotTick = ticker.C
	}

	connected := false
	snapResults := make(chan *reconcile.Snapshot, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case fr, ok := <-conn.Frames():
			if !ok {
				return w.awaitTerminal(ctx, conn)
			}
			if heartbeat != nil {
				if !heartbeat.Stop() {
					select {
					case <-heartbeat.C:
					default:
					}
				}
				heartbeat.Reset(w.opts.HeartbeatTimeout)
			}
			if !connected {
				connected = true
				w.mu.Lock()
				w.attempts = 0
				w.mu.Unlock()
				w.setConnState(ConnConnected)
				w.requestSnapshot(ctx, snapResults)
			}
			w.handleFrame(fr)

		case err := <-conn.Done():
			if err == nil {
				err = errors.New("stream terminated")
			}
			return err

		case <-heartbeatC:
			// Silent connection death: nothing arrived within the window
			// even though the transport reported no terminal error.
			return fmt.Errorf("no frame within %s heartbeat window", w.opts.HeartbeatTimeout)

		case <-snapshotTick:
			w.requestSnapshot(ctx, snapResults)

		case snap := <-snapResults:
			w.policy.Merge(w.store, snap)
		}
	}
}

// awaitTerminal collects the terminal error after the frame channel closed.
func (w *Watcher) awaitTerminal(ctx context.Context, conn stream.Conn) error {
	select {
	case err := <-conn.Done():
		if err == nil {
			err = errors.New("stream terminated")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestSnapshot fetches a snapshot in the background. The result is folded
// in on the event loop so the store keeps a single mutation path.
func (w *Watcher) requestSnapshot(ctx context.Context, results chan<- *reconcile.Snapshot) {
	if w.fetcher == nil {
		return
	}
	go func() {
		snap, err := w.fetcher.Fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("snapshot fetch failed", zap.Error(err))
			}
			return
		}
		select {
		case results <- snap:
		case <-ctx.Done():
		}
	}()
}

// handleFrame decodes and applies one frame. A malformed frame is logged and
// dropped; it never tears down the connection.
func (w *Watcher) handleFrame(fr stream.Frame) {
	ev, err := stream.DecodeEvent([]byte(fr.Data))
	if err != nil {
		w.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if ev.Type == stream.EventHeartbeat {
		return
	}
	w.store.Apply(ev)
}

// onStoreChange forwards store changes to subscribers and feeds aggregate
// moves to the notification coordinator.
func (w *Watcher) onStoreChange(ch status.Change) {
	if ch.Kind == status.ChangeAggregate {
		w.coord.Observe(ch.Progress)
	}
	w.publish(Change{Kind: ch.Kind, EntityID: ch.EntityID, Entry: ch.Entry, Progress: ch.Progress})
}

func (w *Watcher) setConnState(st ConnState) {
	w.mu.Lock()
	if w.connState == st {
		w.mu.Unlock()
		return
	}
	w.connState = st
	w.mu.Unlock()

	w.logger.Debug("connection state changed", zap.String("state", string(st)))
	w.publish(Change{Kind: ChangeConnection, ConnState: st})
}

func (w *Watcher) publish(ch Change) {
	w.subMu.RLock()
	subs := make([]func(Change), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.subMu.RUnlock()

	for _, fn := range subs {
		fn(ch)
	}
}
