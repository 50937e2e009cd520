package bus

import (
	"context"
	"time"

	"github.com/chatwright/chatwright/internal/metrics"
)

// Maintenance defaults.
const (
	DefaultMaintainInterval = 15 * time.Second
	DefaultRetention        = 24 * time.Hour
)

// Maintain runs periodic bus maintenance until ctx is cancelled: expired
// visibility leases return active jobs to pending (or fail them once
// retries exhaust), jobs past their lifetime move to expired, and
// terminal rows older than the retention window are purged. Exactly one
// process per store should run it; the orchestrator does in production.
func (b *Bus) Maintain(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = DefaultMaintainInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.maintainOnce(ctx, retention)
		}
	}
}

// maintainOnce applies one round of maintenance transitions.
func (b *Bus) maintainOnce(ctx context.Context, retention time.Duration) {
	now := b.now().UnixMilli()

	// Active jobs whose lease expired and that still have attempts left
	// return to pending; the lost attempt counts against the retry limit.
	retried, err := b.countByQueue(ctx, b.dialect.rebind(`
		UPDATE jobs SET state = 'pending', retry_count = retry_count + 1,
		                visible_at = ? + retry_delay_ms * (retry_count + 1),
		                lease_expires_at = NULL, last_error = 'visibility lease expired'
		WHERE state = 'active' AND lease_expires_at <= ? AND retry_count + 1 < retry_limit
		RETURNING queue`), now, now)
	if err != nil {
		b.log.Warn("maintenance: recover expired leases", "error", err)
	}
	for queue, n := range retried {
		metrics.BusJobsRetried.WithLabelValues(queue).Add(float64(n))
		b.log.Debug("recovered expired leases", "queue", queue, "count", n)
	}

	// Leases expired with no attempts left: fail.
	failed, err := b.countByQueue(ctx, b.dialect.rebind(`
		UPDATE jobs SET state = 'failed', retry_count = retry_count + 1, completed_at = ?,
		                lease_expires_at = NULL, last_error = 'visibility lease expired'
		WHERE state = 'active' AND lease_expires_at <= ? AND retry_count + 1 >= retry_limit
		RETURNING queue`), now, now)
	if err != nil {
		b.log.Warn("maintenance: fail exhausted leases", "error", err)
	}
	for queue, n := range failed {
		metrics.BusJobsFailed.WithLabelValues(queue).Add(float64(n))
		b.log.Warn("jobs failed after lease expiry", "queue", queue, "count", n)
	}

	// Lifetime expiry caps a job regardless of retries remaining.
	expired, err := b.countByQueue(ctx, b.dialect.rebind(`
		UPDATE jobs SET state = 'expired', completed_at = ?, lease_expires_at = NULL
		WHERE state IN ('pending', 'active') AND expires_at <= ?
		RETURNING queue`), now, now)
	if err != nil {
		b.log.Warn("maintenance: expire jobs", "error", err)
	}
	for queue, n := range expired {
		metrics.BusJobsExpired.WithLabelValues(queue).Add(float64(n))
		b.log.Debug("jobs expired", "queue", queue, "count", n)
	}

	// Purge terminal rows past the retention window.
	cutoff := b.now().Add(-retention).UnixMilli()
	res, err := b.db.ExecContext(ctx, b.dialect.rebind(`
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed', 'expired')
		  AND COALESCE(completed_at, created_at) <= ?`), cutoff)
	if err != nil {
		b.log.Warn("maintenance: purge", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		b.log.Debug("purged terminal jobs", "count", n)
	}

	// Rate limit counters whose window lapsed longer than the retention
	// ago are dead weight.
	if _, err := b.db.ExecContext(ctx, b.dialect.rebind(
		`DELETE FROM rate_limits WHERE window_start <= ?`), cutoff); err != nil {
		b.log.Warn("maintenance: purge rate limits", "error", err)
	}
}

// countByQueue runs an UPDATE ... RETURNING queue statement and tallies
// affected rows per queue.
func (b *Bus) countByQueue(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var queue string
		if err := rows.Scan(&queue); err != nil {
			return counts, err
		}
		counts[queue]++
	}
	return counts, rows.Err()
}
