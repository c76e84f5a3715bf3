// Package simsrv is a simulated sync backend for development and testing.
// It serves the entity list, the sync event stream, and the bulk sync
// trigger, driving fake jobs through pending, processing, and a terminal
// state on a fixed cadence.
package simsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub000/internal/logging"
	"github.com/steveohanians/pulsedashboard-sub000/internal/reconcile"
	"github.com/steveohanians/pulsedashboard-sub000/internal/status"
	"github.com/steveohanians/pulsedashboard-sub000/internal/stream"
)

const (
	heartbeatInterval = 15 * time.Second
	replayLimit       = 256
)

// Options configures the simulator.
type Options struct {
	// EntityCount is how many fake entities to seed. Values < 1 become 10.
	EntityCount int
	// StepInterval is the delay between job state transitions. Values < 1ms
	// become 500ms.
	StepInterval time.Duration
	// FailEvery fails every Nth entity's job; 0 disables failures.
	FailEvery int
}

type storedEvent struct {
	token   uint64
	payload []byte
}

// Server simulates the sync backend.
type Server struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	entities map[string]*reconcile.EntityStatus
	order    []string
	seq      uint64
	replay   []storedEvent
	subs     map[int]chan storedEvent
	nextSub  int
}

// New creates a simulator seeded with opts.EntityCount verified entities.
func New(opts Options, logger *zap.Logger) *Server {
	if opts.EntityCount < 1 {
		opts.EntityCount = 10
	}
	if opts.StepInterval < time.Millisecond {
		opts.StepInterval = 500 * time.Millisecond
	}

	s := &Server{
		opts:     opts,
		logger:   logging.OrNop(logger),
		entities: make(map[string]*reconcile.EntityStatus),
		subs:     make(map[int]chan storedEvent),
	}
	now := time.Now().UTC()
	for i := 0; i < opts.EntityCount; i++ {
		id := uuid.New().String()
		s.entities[id] = &reconcile.EntityStatus{
			ID:         id,
			SyncStatus: status.StateVerified,
			UpdatedAt:  now,
		}
		s.order = append(s.order, id)
	}
	return s
}

// Handler returns the simulator's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/entities", s.handleEntities)
	r.Get("/api/v1/sync/stream", s.handleStream)
	r.Post("/api/v1/sync/all", s.handleSyncAll)

	return r
}

// Run serves the simulator on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("simulator listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]reconcile.EntityStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entities[id])
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Warn("failed to encode entity list", zap.Error(err))
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var after uint64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		n, err := strconv.ParseUint(last, 10, 64)
		if err != nil {
			http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
			return
		}
		after = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	backlog, sub, unsubscribe := s.subscribe(after)
	defer unsubscribe()

	write := func(ev storedEvent) bool {
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.token, ev.payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, ev := range backlog {
		if !write(ev) {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub:
			if !write(ev) {
				return
			}
		case <-heartbeat.C:
			s.mu.Lock()
			s.seq++
			ev := storedEvent{
				token:   s.seq,
				payload: (&stream.Event{Type: stream.EventHeartbeat}).MustMarshal(),
			}
			s.mu.Unlock()
			if !write(ev) {
				return
			}
		}
	}
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	now := time.Now().UTC()
	for _, id := range ids {
		s.entities[id].SyncStatus = status.StatePending
		s.entities[id].UpdatedAt = now
	}
	s.mu.Unlock()

	go s.runJobs(ids)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string][]string{"entityIds": ids}); err != nil {
		s.logger.Warn("failed to encode trigger response", zap.Error(err))
	}
}

// runJobs walks every entity through processing and into a terminal state,
// publishing an event per transition.
func (s *Server) runJobs(ids []string) {
	for i, id := range ids {
		time.Sleep(s.opts.StepInterval)
		s.publish(&stream.Event{
			Type:      stream.EventJobStarted,
			EntityID:  id,
			UpdatedAt: time.Now().UTC(),
		}, status.StateProcessing)

		time.Sleep(s.opts.StepInterval)
		s.publish(&stream.Event{
			Type:      stream.EventJobProgress,
			EntityID:  id,
			Detail:    "fetching records",
			UpdatedAt: time.Now().UTC(),
		}, status.StateProcessing)

		time.Sleep(s.opts.StepInterval)
		if s.opts.FailEvery > 0 && (i+1)%s.opts.FailEvery == 0 {
			s.publish(&stream.Event{
				Type:      stream.EventJobFailed,
				EntityID:  id,
				Reason:    "simulated upstream failure",
				UpdatedAt: time.Now().UTC(),
			}, status.StateError)
		} else {
			s.publish(&stream.Event{
				Type:      stream.EventJobCompleted,
				EntityID:  id,
				UpdatedAt: time.Now().UTC(),
			}, status.StateVerified)
		}
	}
	s.logger.Info("simulated bulk sync finished", zap.Int("entities", len(ids)))
}

// publish records the entity's new persisted state, appends the event to the
// replay buffer, and fans it out to connected stream subscribers.
func (s *Server) publish(ev *stream.Event, newState status.SyncState) {
	payload := ev.MustMarshal()

	s.mu.Lock()
	if e, ok := s.entities[ev.EntityID]; ok {
		e.SyncStatus = newState
		e.UpdatedAt = ev.UpdatedAt
	}
	s.seq++
	stored := storedEvent{token: s.seq, payload: payload}
	s.replay = append(s.replay, stored)
	if len(s.replay) > replayLimit {
		s.replay = s.replay[len(s.replay)-replayLimit:]
	}
	subs := make([]chan storedEvent, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- stored:
		default:
			// Slow subscriber; it will catch up via reconnect replay.
		}
	}
}

// subscribe registers a stream subscriber and returns any buffered events
// with tokens greater than after.
func (s *Server) subscribe(after uint64) ([]storedEvent, chan storedEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var backlog []storedEvent
	for _, ev := range s.replay {
		if ev.token > after {
			backlog = append(backlog, ev)
		}
	}

	ch := make(chan storedEvent, 64)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return backlog, ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
