package status

import (
	"time"

	"github.com/google/uuid"
)

// Progress is the aggregate view of a bulk sync session.
type Progress struct {
	// SessionID identifies the "sync all" invocation the counters belong to.
	SessionID string
	// Total is the number of entities enrolled when the session started.
	Total int
	// Completed counts entities that reached a terminal state. It never
	// decreases within a session and never exceeds Total.
	Completed int
	// Active is false once the session ended or was superseded.
	Active bool
}

// Done reports whether every enrolled entity reached a terminal state.
func (p Progress) Done() bool {
	return p.Total > 0 && p.Completed == p.Total
}

// session tracks one bulk "sync all" invocation. All access goes through the
// owning Store's mutex.
type session struct {
	id        string
	startedAt time.Time
	endedAt   time.Time
	enrolled  map[string]bool
	done      map[string]bool
	ended     bool
}

func newSession(entityIDs []string) *session {
	enrolled := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		enrolled[id] = true
	}
	return &session{
		id:        uuid.New().String(),
		startedAt: time.Now().UTC(),
		enrolled:  enrolled,
		done:      make(map[string]bool),
	}
}

func (s *session) progress() Progress {
	return Progress{
		SessionID: s.id,
		Total:     len(s.enrolled),
		Completed: len(s.done),
		Active:    !s.ended,
	}
}

// markTerminal records a terminal state for an enrolled entity and reports
// whether the counters moved. Duplicate terminal transitions, unenrolled
// entities, and ended sessions never move the counters.
func (s *session) markTerminal(entityID string) bool {
	if s.ended || !s.enrolled[entityID] || s.done[entityID] {
		return false
	}
	s.done[entityID] = true
	if len(s.done) == len(s.enrolled) {
		s.endedAt = time.Now().UTC()
	}
	return true
}

// end marks the session superseded. Its pending completion notification is
// suppressed by the coordinator keying on Active.
func (s *session) end() {
	s.ended = true
	if s.endedAt.IsZero() {
		s.endedAt = time.Now().UTC()
	}
}
