// Package status holds the in-memory, observable view of per-entity sync
// state plus the aggregate counters for the active bulk session. The store
// is the single mutable structure of the subsystem; it is mutated only by
// decoded stream events and by reconciliation overwrites.
package status

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub000/internal/logging"
	"github.com/steveohanians/pulsedashboard-sub000/internal/stream"
)

// SyncState is the synchronization state of one entity.
type SyncState string

const (
	// StatePending means a job is queued but not yet picked up.
	StatePending SyncState = "pending"
	// StateProcessing means a job is actively running.
	StateProcessing SyncState = "processing"
	// StateVerified means the last job completed successfully.
	StateVerified SyncState = "verified"
	// StateError means the last job failed. This is a normal terminal
	// state surfaced as data, not a subsystem failure.
	StateError SyncState = "error"
)

// Terminal reports whether no further transition occurs without a new job.
func (s SyncState) Terminal() bool {
	return s == StateVerified || s == StateError
}

// Entry is the stored sync state for one entity.
type Entry struct {
	State SyncState
	// ErrorDetail is set only when State is StateError.
	ErrorDetail string
	// UpdatedAt is monotonically non-decreasing per entity; frames with an
	// older implied timestamp are discarded.
	UpdatedAt time.Time
}

// ChangeKind classifies an observed store mutation.
type ChangeKind string

const (
	// ChangeEntity is a per-entity state transition.
	ChangeEntity ChangeKind = "entity"
	// ChangeAggregate is a bulk-session counter move.
	ChangeAggregate ChangeKind = "aggregate"
)

// Change describes one observed mutation of the store.
type Change struct {
	Kind     ChangeKind
	EntityID string
	Entry    Entry
	Progress Progress
}

// Store is the observable map from entity id to sync state.
type Store struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	session *session
	nextSub int
	subs    map[int]func(Change)
}

// NewStore creates an empty store. logger may be nil.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:  logging.OrNop(logger),
		entries: make(map[string]Entry),
		subs:    make(map[int]func(Change)),
	}
}

// Subscribe registers a listener for store changes and returns its
// unsubscribe function. Listeners are invoked synchronously, one change at a
// time, in mutation order on the event-processing path.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Apply folds one decoded stream event into the store. It returns false when
// the event carried no state change: heartbeats, and frames staler than the
// stored entry (protection against replayed delivery after a reconnect).
func (s *Store) Apply(ev *stream.Event) bool {
	if ev.Type == stream.EventHeartbeat {
		return false
	}

	s.mu.Lock()

	prev, exists := s.entries[ev.EntityID]
	if exists && !ev.UpdatedAt.IsZero() && ev.UpdatedAt.Before(prev.UpdatedAt) {
		s.mu.Unlock()
		s.logger.Debug("discarding stale frame",
			zap.String("entityId", ev.EntityID),
			zap.String("type", string(ev.Type)),
			zap.Time("frameUpdatedAt", ev.UpdatedAt),
			zap.Time("storedUpdatedAt", prev.UpdatedAt),
		)
		return false
	}

	updatedAt := ev.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	entry := prev
	entry.UpdatedAt = updatedAt

	switch ev.Type {
	case stream.EventJobStarted:
		entry.State = StateProcessing
		entry.ErrorDetail = ""
	case stream.EventJobProgress:
		// Progress only refreshes the timestamp; it implies a running job
		// when the entity is unseen.
		if !exists {
			entry.State = StateProcessing
		}
	case stream.EventJobCompleted:
		entry.State = StateVerified
		entry.ErrorDetail = ""
	case stream.EventJobFailed:
		entry.State = StateError
		entry.ErrorDetail = ev.Reason
	default:
		s.mu.Unlock()
		return false
	}

	changes := s.setEntryLocked(ev.EntityID, entry)
	s.mu.Unlock()

	s.notify(changes)
	return true
}

// SetBaseline overwrites an entity's entry with externally fetched state, as
// decided by the reconciliation policy. Terminal baselines count toward the
// active session exactly like stream frames, so completions observed only
// via a snapshot (e.g. after a disconnect) still move the counters.
func (s *Store) SetBaseline(entityID string, entry Entry) {
	s.mu.Lock()
	changes := s.setEntryLocked(entityID, entry)
	s.mu.Unlock()

	s.notify(changes)
}

// setEntryLocked stores the entry and collects the resulting changes.
// Caller must hold s.mu.
func (s *Store) setEntryLocked(entityID string, entry Entry) []Change {
	s.entries[entityID] = entry

	changes := []Change{{Kind: ChangeEntity, EntityID: entityID, Entry: entry}}
	if entry.State.Terminal() && s.session != nil && s.session.markTerminal(entityID) {
		changes = append(changes, Change{Kind: ChangeAggregate, Progress: s.session.progress()})
	}
	return changes
}

// Remove drops an entity that has returned to its externally fetched
// baseline. Used by reconciliation garbage collection.
func (s *Store) Remove(entityID string) {
	s.mu.Lock()
	delete(s.entries, entityID)
	s.mu.Unlock()
}

// Entity returns the stored entry for an entity.
func (s *Store) Entity(entityID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entityID]
	return entry, ok
}

// Entities returns a copy of every stored entry.
func (s *Store) Entities() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Entry, len(s.entries))
	for id, entry := range s.entries {
		out[id] = entry
	}
	return out
}

// StartSession begins a bulk session over entityIDs, implicitly ending any
// previous session. Enrolled entities are reset to pending. Returns the new
// session id.
func (s *Store) StartSession(entityIDs []string) string {
	s.mu.Lock()

	if s.session != nil {
		s.session.end()
	}
	s.session = newSession(entityIDs)
	id := s.session.id

	now := time.Now().UTC()
	changes := make([]Change, 0, len(entityIDs)+1)
	for _, entityID := range entityIDs {
		entry := Entry{State: StatePending, UpdatedAt: now}
		s.entries[entityID] = entry
		changes = append(changes, Change{Kind: ChangeEntity, EntityID: entityID, Entry: entry})
	}
	changes = append(changes, Change{Kind: ChangeAggregate, Progress: s.session.progress()})
	s.mu.Unlock()

	s.logger.Info("bulk sync session started",
		zap.String("sessionId", id),
		zap.Int("total", len(entityIDs)),
	)
	s.notify(changes)
	return id
}

// EndSession marks the active session ended. Safe to call with no session.
func (s *Store) EndSession() {
	s.mu.Lock()
	if s.session != nil {
		s.session.end()
	}
	s.mu.Unlock()
}

// Progress returns the aggregate counters of the active session, or a zero
// Progress when no session was ever started.
func (s *Store) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return Progress{}
	}
	return s.session.progress()
}

// SessionEnrolled reports whether the entity belongs to the active session.
func (s *Store) SessionEnrolled(entityID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil && !s.session.ended && s.session.enrolled[entityID]
}

// notify delivers changes to every subscriber, outside the store lock so
// listeners may call back into the store.
func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}

	s.mu.RLock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, ch := range changes {
		for _, fn := range subs {
			fn(ch)
		}
	}
}
