// Package sync keeps the local store consistent with remote CalDAV
// servers: it drains the pending-operation queue, pulls remote changes,
// and re-materializes occurrences and reminders for whatever moved.
package sync

import (
	"fmt"
	"log"
	"time"

	"calsyncd/internal/storage"
)

const (
	// StaleTimeout recovers operations left IN_PROGRESS by a crash or
	// kill during a previous sync.
	StaleTimeout = 30 * time.Minute
	// AutoRetryAfter resets FAILED operations to PENDING once the
	// failure is old enough, bridging transient outages without user
	// action.
	AutoRetryAfter = 4 * time.Hour
	// OperationLifetime is the hard age limit, independent of failure
	// count, after which an operation is abandoned.
	OperationLifetime = 30 * 24 * time.Hour
)

// LifecycleStats summarizes one queue maintenance pass.
type LifecycleStats struct {
	StaleRecovered int64
	ForcedReset    int64
	Abandoned      int64
	AutoRetried    int64
}

// QueueManager runs the pending-operation retry lifecycle.
type QueueManager struct {
	store *storage.Storage
	now   func() time.Time
}

func NewQueueManager(store *storage.Storage) *QueueManager {
	return &QueueManager{store: store, now: time.Now}
}

// RunLifecycle applies the four maintenance rules in a fixed order:
// stale recovery, forced reset (when requested), lifetime expiry, then
// auto-retry of old failures. The order is load-bearing: the forced
// reset refreshes the lifetime clock first, so a user-initiated retry is
// never abandoned by the expiry check running in the same cycle. The
// pass is strictly sequential; do not parallelize the rules.
func (q *QueueManager) RunLifecycle(forceFullSync bool) (LifecycleStats, error) {
	var stats LifecycleStats
	now := q.now()

	n, err := q.store.ResetStaleOperations(now.Add(-StaleTimeout))
	if err != nil {
		return stats, fmt.Errorf("reset stale operations: %w", err)
	}
	stats.StaleRecovered = n

	if forceFullSync {
		n, err = q.store.ResetAllFailedOperations(now)
		if err != nil {
			return stats, fmt.Errorf("reset failed operations: %w", err)
		}
		stats.ForcedReset = n
	}

	n, err = q.store.AbandonExpiredOperations(now.Add(-OperationLifetime), "exceeded operation lifetime")
	if err != nil {
		return stats, fmt.Errorf("abandon expired operations: %w", err)
	}
	stats.Abandoned = n

	n, err = q.store.ResetOldFailedOperations(now.Add(-AutoRetryAfter))
	if err != nil {
		return stats, fmt.Errorf("auto-retry failed operations: %w", err)
	}
	stats.AutoRetried = n

	if stats.StaleRecovered > 0 || stats.Abandoned > 0 {
		log.Printf("Queue lifecycle: %d stale recovered, %d forced, %d abandoned, %d auto-retried",
			stats.StaleRecovered, stats.ForcedReset, stats.Abandoned, stats.AutoRetried)
	}
	return stats, nil
}
