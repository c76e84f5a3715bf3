package watch

import (
	"sync"

	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub000/internal/logging"
	"github.com/steveohanians/pulsedashboard-sub000/internal/status"
)

// Notifier receives the single user-facing "bulk sync complete" notification
// per session.
type Notifier interface {
	BulkSyncComplete(p status.Progress)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(p status.Progress)

// BulkSyncComplete calls f.
func (f NotifierFunc) BulkSyncComplete(p status.Progress) { f(p) }

// Coordinator fires exactly one completion notification per bulk session.
// Completion may be re-observed many times: duplicate terminal frames,
// repeated snapshot fetches, or a consumer view torn down and recreated.
// It may also be observed only after the fact, when a reconnect's snapshot
// reconciliation reveals that everything finished while disconnected. The
// session id keeps the notification exactly-once across all of these.
type Coordinator struct {
	notifier Notifier
	logger   *zap.Logger

	mu           sync.Mutex
	lastNotified string
}

// NewCoordinator creates a Coordinator. notifier and logger may be nil.
func NewCoordinator(notifier Notifier, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		notifier: notifier,
		logger:   logging.OrNop(logger),
	}
}

// Observe inspects one aggregate update and notifies on the transition into
// completion. Superseded sessions are suppressed: their Progress is no
// longer Active.
func (c *Coordinator) Observe(p status.Progress) {
	if !p.Active || !p.Done() {
		return
	}

	c.mu.Lock()
	if c.lastNotified == p.SessionID {
		c.mu.Unlock()
		return
	}
	c.lastNotified = p.SessionID
	c.mu.Unlock()

	c.logger.Info("bulk sync complete",
		zap.String("sessionId", p.SessionID),
		zap.Int("total", p.Total),
	)
	if c.notifier != nil {
		c.notifier.BulkSyncComplete(p)
	}
}
