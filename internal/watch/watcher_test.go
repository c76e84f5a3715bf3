package watch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveohanians/pulsedashboard-sub000/internal/reconcile"
	"github.com/steveohanians/pulsedashboard-sub000/internal/status"
	"github.com/steveohanians/pulsedashboard-sub000/internal/stream"
	"github.com/steveohanians/pulsedashboard-sub000/internal/testutil"
)

// fakeConn is a scriptable stream.Conn for watcher tests.
type fakeConn struct {
	frames chan stream.Frame
	done   chan error

	termOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan stream.Frame, 16),
		done:   make(chan error, 1),
	}
}

func (c *fakeConn) Frames() <-chan stream.Frame { return c.frames }
func (c *fakeConn) Done() <-chan error          { return c.done }
func (c *fakeConn) Close() error                { return nil }

func (c *fakeConn) emit(ev *stream.Event) {
	c.frames <- stream.Frame{Data: string(ev.MustMarshal())}
}

func (c *fakeConn) emitRaw(data string) {
	c.frames <- stream.Frame{Data: data}
}

// fail terminates the connection with err, mirroring a real transport.
func (c *fakeConn) fail(err error) {
	c.termOnce.Do(func() {
		close(c.frames)
		c.done <- err
		close(c.done)
	})
}

// fakeTransport runs next on every Open and counts attempts.
type fakeTransport struct {
	mu    sync.Mutex
	opens int
	next  func(attempt int) (stream.Conn, error)
}

func (t *fakeTransport) Open(ctx context.Context) (stream.Conn, error) {
	t.mu.Lock()
	t.opens++
	n := t.opens
	t.mu.Unlock()
	return t.next(n)
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// fastOpts keeps supervision timing tight for tests.
func fastOpts() Options {
	return Options{
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
	}
}

// connStateRecorder collects connection-state transitions.
type connStateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *connStateRecorder) record(ch Change) {
	if ch.Kind != ChangeConnection {
		return
	}
	r.mu.Lock()
	r.states = append(r.states, ch.ConnState)
	r.mu.Unlock()
}

func (r *connStateRecorder) snapshot() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnState, len(r.states))
	copy(out, r.states)
	return out
}

func TestWatcherAppliesStreamedFrames(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	transport := &fakeTransport{next: func(int) (stream.Conn, error) { return conn, nil }}
	store := status.NewStore(nil)

	w := New(transport, store, nil, nil, fastOpts(), nil)
	w.Enable()
	defer w.Disable()

	now := time.Now().UTC()
	conn.emit(&stream.Event{Type: stream.EventJobStarted, EntityID: "e-1", UpdatedAt: now})

	testutil.WaitFor(t, time.Second, func() bool {
		entry, ok := w.EntityStatus("e-1")
		return ok && entry.State == status.StateProcessing
	}, "started frame never applied")

	conn.emit(&stream.Event{Type: stream.EventJobCompleted, EntityID: "e-1", UpdatedAt: now.Add(time.Second)})

	testutil.WaitFor(t, time.Second, func() bool {
		entry, _ := w.EntityStatus("e-1")
		return entry.State == status.StateVerified
	}, "completed frame never applied")

	assert.Equal(t, ConnConnected, w.ConnectionState())
	assert.Equal(t, 1, transport.openCount(), "a successful connection consumes exactly one attempt")
}

func TestWatcherStopsAfterMaxReconnectAttempts(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{next: func(int) (stream.Conn, error) {
		return nil, errors.New("connection refused")
	}}

	opts := fastOpts()
	opts.MaxReconnectAttempts = 3

	w := New(transport, status.NewStore(nil), nil, nil, opts, nil)
	recorder := &connStateRecorder{}
	defer w.Subscribe(recorder.record)()

	w.Enable()
	defer w.Disable()

	testutil.WaitFor(t, time.Second, func() bool {
		return transport.openCount() == 3 && w.ConnectionState() == ConnError
	}, "watcher never settled in error")

	// No further dialing once the ceiling is reached.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, transport.openCount())

	assert.Equal(t, []ConnState{
		ConnConnecting, ConnError,
		ConnConnecting, ConnError,
		ConnConnecting, ConnError,
	}, recorder.snapshot())
}

func TestWatcherNoReconnectWhenDisabledByOptions(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{next: func(int) (stream.Conn, error) {
		return nil, errors.New("connection refused")
	}}

	opts := fastOpts()
	opts.AutoReconnect = false

	w := New(transport, status.NewStore(nil), nil, nil, opts, nil)
	w.Enable()
	defer w.Disable()

	testutil.WaitFor(t, time.Second, func() bool {
		return w.ConnectionState() == ConnError
	}, "watcher never errored")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, transport.openCount(), "the first failure must settle without retrying")
}

func TestWatcherReconnectsAfterConnectionDrop(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	conns := make(map[int]*fakeConn)
	transport := &fakeTransport{next: func(attempt int) (stream.Conn, error) {
		c := newFakeConn()
		mu.Lock()
		conns[attempt] = c
		mu.Unlock()
		return c, nil
	}}

	w := New(transport, status.NewStore(nil), nil, nil, fastOpts(), nil)
	w.Enable()
	defer w.Disable()

	testutil.WaitFor(t, time.Second, func() bool { return transport.openCount() == 1 }, "first dial never happened")
	mu.Lock()
	first := conns[1]
	mu.Unlock()

	first.emit(&stream.Event{Type: stream.EventHeartbeat})
	testutil.WaitFor(t, time.Second, func() bool {
		return w.ConnectionState() == ConnConnected
	}, "never connected")

	first.fail(errors.New("network flap"))

	testutil.WaitFor(t, time.Second, func() bool { return transport.openCount() == 2 }, "watcher never redialed")
	mu.Lock()
	second := conns[2]
	mu.Unlock()

	second.emit(&stream.Event{Type: stream.EventHeartbeat})
	testutil.WaitFor(t, time.Second, func() bool {
		return w.ConnectionState() == ConnConnected
	}, "never reconnected")
}

func TestWatcherDisableStopsEverything(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	transport := &fakeTransport{next: func(int) (stream.Conn, error) { return conn, nil }}

	w := New(transport, status.NewStore(nil), nil, nil, fastOpts(), nil)
	w.Enable()

	conn.emit(&stream.Event{Type: stream.EventHeartbeat})
	testutil.WaitFor(t, time.Second, func() bool {
		return w.ConnectionState() == ConnConnected
	}, "never connected")

	w.Disable()
	assert.Equal(t, ConnDisconnected, w.ConnectionState())

	opens := transport.openCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, opens, transport.openCount(), "no dialing after Disable")

	// Idempotent.
	assert.NotPanics(t, w.Disable)
}

func TestWatcherDropsMalformedFrames(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	transport := &fakeTransport{next: func(int) (stream.Conn, error) { return conn, nil }}
	store := status.NewStore(nil)

	w := New(transport, store, nil, nil, fastOpts(), nil)
	w.Enable()
	defer w.Disable()

	conn.emitRaw(`{"type":"job-exploded"`)
	conn.emit(&stream.Event{Type: stream.EventJobStarted, EntityID: "e-1", UpdatedAt: time.Now().UTC()})

	// The valid frame after the malformed one still lands, proving the
	// connection survived.
	testutil.WaitFor(t, time.Second, func() bool {
		_, ok := w.EntityStatus("e-1")
		return ok
	}, "frame after malformed one never applied")
	assert.Equal(t, 1, transport.openCount())
}

func TestWatcherHeartbeatTimeoutForcesReconnect(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{next: func(int) (stream.Conn, error) {
		c := newFakeConn()
		c.emit(&stream.Event{Type: stream.EventHeartbeat})
		return c, nil
	}}

	opts := fastOpts()
	opts.HeartbeatTimeout = 30 * time.Millisecond

	w := New(transport, status.NewStore(nil), nil, nil, opts, nil)
	w.Enable()
	defer w.Disable()

	// Each connection goes silent after one heartbeat; the watchdog must
	// keep tearing them down and redialing.
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return transport.openCount() >= 2
	}, "silent connection never detected")
}

func TestWatcherBulkSessionNotifiesExactlyOnce(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	transport := &fakeTransport{next: func(int) (stream.Conn, error) { return conn, nil }}
	store := status.NewStore(nil)
	notifier := &countingNotifier{}

	w := New(transport, store, nil, notifier, fastOpts(), nil)
	w.Enable()
	defer w.Disable()

	sessionID := w.BeginBulkSession([]string{"a", "b", "c"})
	require.NotEmpty(t, sessionID)

	now := time.Now().UTC()
	conn.emit(&stream.Event{Type: stream.EventJobCompleted, EntityID: "a", UpdatedAt: now.Add(time.Second)})
	conn.emit(&stream.Event{Type: stream.EventJobFailed, EntityID: "b", Reason: "boom", UpdatedAt: now.Add(time.Second)})
	conn.emit(&stream.Event{Type: stream.EventJobCompleted, EntityID: "c", UpdatedAt: now.Add(time.Second)})
	// Duplicate terminal frame after completion.
	conn.emit(&stream.Event{Type: stream.EventJobCompleted, EntityID: "c", UpdatedAt: now.Add(2 * time.Second)})

	testutil.WaitFor(t, time.Second, func() bool {
		return notifier.count() == 1
	}, "completion never notified")

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, notifier.count(), "completion must notify exactly once")

	notifier.mu.Lock()
	p := notifier.calls[0]
	notifier.mu.Unlock()
	assert.Equal(t, sessionID, p.SessionID)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 3, p.Completed, "failed entities still count as terminal")
}

func TestWatcherReconnectReconciliationCoversMissedCompletions(t *testing.T) {
	t.Parallel()

	// The snapshot endpoint reports everything verified, standing in for
	// jobs that finished while the stream was down.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"a","syncStatus":"verified"},{"id":"b","syncStatus":"verified"}]`))
	}))
	defer server.Close()

	conn := newFakeConn()
	transport := &fakeTransport{next: func(int) (stream.Conn, error) { return conn, nil }}
	store := status.NewStore(nil)
	notifier := &countingNotifier{}
	fetcher := reconcile.NewFetcher(server.URL, "", 100, nil)

	w := New(transport, store, fetcher, notifier, fastOpts(), nil)

	sessionID := w.BeginBulkSession([]string{"a", "b"})
	w.Enable()
	defer w.Disable()

	// Only a heartbeat arrives on the stream; completion is learned solely
	// from the reconciliation pass triggered by connecting.
	conn.emit(&stream.Event{Type: stream.EventHeartbeat})

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return notifier.count() == 1
	}, "snapshot-only completion never notified")

	p := w.Progress()
	assert.Equal(t, sessionID, p.SessionID)
	assert.True(t, p.Done())
}

func TestWatcherIgnoresReplayedStaleFrames(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	transport := &fakeTransport{next: func(int) (stream.Conn, error) { return conn, nil }}
	store := status.NewStore(nil)

	w := New(transport, store, nil, nil, fastOpts(), nil)
	w.Enable()
	defer w.Disable()

	now := time.Now().UTC()
	conn.emit(&stream.Event{Type: stream.EventJobCompleted, EntityID: "e-1", UpdatedAt: now})
	// Replayed delivery of an older frame, e.g. after a resumed stream.
	conn.emit(&stream.Event{Type: stream.EventJobStarted, EntityID: "e-1", UpdatedAt: now.Add(-time.Minute)})

	testutil.WaitFor(t, time.Second, func() bool {
		entry, ok := w.EntityStatus("e-1")
		return ok && entry.State == status.StateVerified
	}, "completed frame never applied")

	time.Sleep(50 * time.Millisecond)
	entry, _ := w.EntityStatus("e-1")
	assert.Equal(t, status.StateVerified, entry.State, "stale replay must not regress the entity")
}

func TestWatcherEnableAfterGiveUpStartsFresh(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	failing := true
	transport := &fakeTransport{}
	transport.next = func(int) (stream.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return nil, errors.New("connection refused")
		}
		c := newFakeConn()
		c.emit(&stream.Event{Type: stream.EventHeartbeat})
		return c, nil
	}

	opts := fastOpts()
	opts.MaxReconnectAttempts = 2

	w := New(transport, status.NewStore(nil), nil, nil, opts, nil)
	w.Enable()

	testutil.WaitFor(t, time.Second, func() bool {
		return transport.openCount() == 2 && w.ConnectionState() == ConnError
	}, "watcher never gave up")

	mu.Lock()
	failing = false
	mu.Unlock()

	// Give the supervision loop a moment to finish unwinding.
	time.Sleep(20 * time.Millisecond)

	w.Enable()
	defer w.Disable()

	testutil.WaitFor(t, time.Second, func() bool {
		return w.ConnectionState() == ConnConnected
	}, "re-enable never connected")
}
