package reconcile

import (
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub000/internal/logging"
	"github.com/steveohanians/pulsedashboard-sub000/internal/status"
)

// Policy resolves disagreements between the live stream view and a fetched
// snapshot. Precedence per entity:
//
//  1. A live processing job wins; the stream is strictly more current than
//     any snapshot for in-flight work.
//  2. A live entry updated after the snapshot was fetched wins; the fetch
//     cannot know about it.
//  3. Otherwise the snapshot's persisted state wins. This is the steady
//     state: no active job, trust the fetched truth.
//
// Conflicts are never errors. The rules make the merge deterministic and
// order-independent with respect to racing stream events: whichever of a
// frame and a merge lands second, the entity ends in the same state.
type Policy struct {
	logger *zap.Logger
}

// NewPolicy creates a Policy. logger may be nil.
func NewPolicy(logger *zap.Logger) *Policy {
	return &Policy{logger: logging.OrNop(logger)}
}

// Merge folds snap into st and returns how many entries the snapshot
// overwrote. Entries absent from the snapshot are garbage-collected once
// they are neither processing nor enrolled in the active session.
func (p *Policy) Merge(st *status.Store, snap *Snapshot) int {
	seen := make(map[string]bool, len(snap.Entities))
	overwritten := 0

	for _, e := range snap.Entities {
		seen[e.ID] = true

		live, ok := st.Entity(e.ID)
		if ok && live.State == status.StateProcessing {
			continue // rule 1
		}
		if ok && live.UpdatedAt.After(snap.FetchedAt) {
			continue // rule 2
		}

		updatedAt := e.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = snap.FetchedAt
		}
		st.SetBaseline(e.ID, status.Entry{State: e.SyncStatus, UpdatedAt: updatedAt}) // rule 3
		overwritten++
	}

	for entityID, entry := range st.Entities() {
		if seen[entityID] {
			continue
		}
		if entry.State == status.StateProcessing || st.SessionEnrolled(entityID) {
			continue
		}
		st.Remove(entityID)
	}

	p.logger.Debug("reconciliation pass",
		zap.Int("snapshotEntities", len(snap.Entities)),
		zap.Int("overwritten", overwritten),
	)
	return overwritten
}
