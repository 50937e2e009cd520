// Package bus implements the durable message bus: a transactional job
// queue over a relational store with named queues, priorities, singleton
// deduplication, visibility leases and retry with linear backoff.
//
// Delivery is at-least-once. Two dialects are supported: Postgres (claims
// use FOR UPDATE SKIP LOCKED) and SQLite (a single write connection
// serializes claims). The schema is owned by the bus and managed with
// embedded migrations.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatwright/chatwright/internal/metrics"
	"github.com/chatwright/chatwright/internal/util/id"
)

// maxPayloadBytes caps the marshaled payload size before codec framing.
const maxPayloadBytes = 1 << 20

var queueNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Bus is a handle on the job store. It is safe for concurrent use; one
// Bus is typically shared by all producers and consumers in a process.
type Bus struct {
	db      *sql.DB
	dialect dialect
	log     *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// Open opens the bus on the given DSN and runs schema migrations.
// Postgres URLs select the Postgres dialect; any other string is treated
// as a SQLite database path (":memory:" for tests).
func Open(dsn string) (*Bus, error) {
	db, d, err := openStore(dsn)
	if err != nil {
		return nil, unavailable("open bus", err)
	}
	if err := migrate(db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate bus: %w", err)
	}
	return &Bus{
		db:      db,
		dialect: d,
		log:     slog.With("component", "bus"),
		now:     time.Now,
	}, nil
}

// Close closes the underlying store.
func (b *Bus) Close() error {
	return b.db.Close()
}

// Ping verifies the store connection. Used by health endpoints.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return unavailable("ping bus", err)
	}
	return nil
}

// Send enqueues payload on the named queue and returns the job ID. The
// payload is JSON-marshaled. When a singleton key is set and an equal key
// is already pending or active on the queue, Send resolves to the
// existing job's ID instead of enqueueing a duplicate.
func (b *Bus) Send(ctx context.Context, queue string, payload any, opts ...SendOption) (string, error) {
	if !queueNameRe.MatchString(queue) {
		return "", fmt.Errorf("send: %w: invalid queue name %q", ErrQueueRejected, queue)
	}
	o := defaultSendOptions()
	for _, opt := range opts {
		opt(&o)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("send %s: marshal payload: %w", queue, err)
	}
	if len(data) > maxPayloadBytes {
		return "", fmt.Errorf("send %s: %w: payload is %d bytes (max %d)", queue, ErrQueueRejected, len(data), maxPayloadBytes)
	}

	insert := b.dialect.rebind(`
		INSERT INTO jobs (id, queue, state, priority, payload, group_key, singleton_key,
		                  retry_limit, retry_count, retry_delay_ms, created_at, visible_at, expires_at)
		VALUES (?, ?, 'pending', ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`)

	// Two rounds: if the singleton holder completes between our failed
	// insert and the lookup, the key is free again and we insert fresh.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		jobID := id.New()
		now := b.now()
		_, err := b.db.ExecContext(ctx, insert,
			jobID, queue, o.priority, encodePayload(data),
			nullable(o.groupKey), nullable(o.singletonKey),
			o.retryLimit, o.retryDelay.Milliseconds(),
			now.UnixMilli(), now.UnixMilli(), now.Add(o.expireIn).UnixMilli(),
		)
		if err == nil {
			metrics.BusJobsSent.WithLabelValues(queue).Inc()
			return jobID, nil
		}
		if o.singletonKey == "" || !isUniqueViolation(err) {
			return "", unavailable("send "+queue, err)
		}

		var existing string
		qerr := b.db.QueryRowContext(ctx, b.dialect.rebind(`
			SELECT id FROM jobs
			WHERE queue = ? AND singleton_key = ? AND state IN ('pending', 'active')`),
			queue, o.singletonKey).Scan(&existing)
		if qerr == nil {
			metrics.BusJobsDeduped.WithLabelValues(queue).Inc()
			return existing, nil
		}
		if !errors.Is(qerr, sql.ErrNoRows) {
			return "", unavailable("send "+queue, qerr)
		}
		lastErr = err
	}
	return "", unavailable("send "+queue, lastErr)
}

// claimedJob carries the columns runJob needs beyond the payload.
type claimedJob struct {
	seq        int64
	id         string
	payload    []byte
	retryLimit int
	retryCount int
	retryDelay time.Duration
	expiresAt  int64
}

// Work registers a persistent consumer on the named queue and blocks
// until ctx is cancelled. Claimed jobs run on their own goroutines,
// bounded by the batch size; the handler context carries a deadline of
// min(job expiry, visibility lease). Handler errors reschedule the job
// until retries exhaust; handler panics are recovered and treated as
// errors, so a poison job never takes the consumer down.
func (b *Bus) Work(ctx context.Context, queue string, handler Handler, opts ...WorkOption) error {
	if !queueNameRe.MatchString(queue) {
		return fmt.Errorf("work: %w: invalid queue name %q", ErrQueueRejected, queue)
	}
	o := defaultWorkOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var (
		wg       sync.WaitGroup
		inflight atomic.Int64
	)
	defer wg.Wait()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if free := o.batchSize - int(inflight.Load()); free > 0 {
			jobs, err := b.claim(ctx, queue, free, o)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.log.Warn("claim failed", "queue", queue, "error", err)
			}
			for _, cj := range jobs {
				inflight.Add(1)
				wg.Add(1)
				go func(cj *claimedJob) {
					defer wg.Done()
					defer inflight.Add(-1)
					b.runJob(ctx, queue, cj, handler, o)
				}(cj)
			}
			if len(jobs) == free {
				// Claimed a full batch; the queue is busy, poll again
				// as soon as a slot frees rather than sleeping.
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// claim atomically moves up to limit pending jobs to active and returns
// them. Ordering is priority (descending) then enqueue time.
func (b *Bus) claim(ctx context.Context, queue string, limit int, o workOptions) ([]*claimedJob, error) {
	now := b.now()

	sub := `SELECT seq FROM jobs
		WHERE queue = ? AND state = 'pending' AND visible_at <= ? AND expires_at > ?`
	subArgs := []any{queue, now.UnixMilli(), now.UnixMilli()}
	if o.groupFilter != "" {
		sub += ` AND group_key = ?`
		subArgs = append(subArgs, o.groupFilter)
	}
	sub += ` ORDER BY priority DESC, seq ASC LIMIT ?`
	subArgs = append(subArgs, limit)
	if b.dialect == dialectPostgres {
		sub += ` FOR UPDATE SKIP LOCKED`
	}

	query := `UPDATE jobs SET state = 'active', started_at = ?, lease_expires_at = ?
		WHERE seq IN (` + sub + `)
		RETURNING seq, id, payload, retry_limit, retry_count, retry_delay_ms, expires_at`
	args := append([]any{now.UnixMilli(), now.Add(o.visibilityTimeout).UnixMilli()}, subArgs...)

	rows, err := b.db.QueryContext(ctx, b.dialect.rebind(query), args...)
	if err != nil {
		return nil, unavailable("claim "+queue, err)
	}
	defer rows.Close()

	var claimed []*claimedJob
	for rows.Next() {
		cj := &claimedJob{}
		var delayMS int64
		if err := rows.Scan(&cj.seq, &cj.id, &cj.payload, &cj.retryLimit, &cj.retryCount, &delayMS, &cj.expiresAt); err != nil {
			return claimed, unavailable("claim "+queue, err)
		}
		cj.retryDelay = time.Duration(delayMS) * time.Millisecond
		claimed = append(claimed, cj)
	}
	if err := rows.Err(); err != nil {
		return claimed, unavailable("claim "+queue, err)
	}

	// RETURNING rows arrive in arbitrary order; dispatch in enqueue order.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].seq < claimed[j].seq })
	return claimed, nil
}

// runJob executes the handler for one claimed job and records the outcome.
func (b *Bus) runJob(ctx context.Context, queue string, cj *claimedJob, handler Handler, o workOptions) {
	start := b.now()

	// The acknowledgement write must survive consumer shutdown, otherwise
	// finished work would be re-delivered after the lease expires.
	ack := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	}

	data, err := decodePayload(cj.payload)
	if err != nil {
		// Undecodable payloads can never succeed; fail without retry.
		ackCtx, cancel := ack()
		defer cancel()
		b.failJob(ackCtx, queue, cj.id, "decode payload: "+err.Error())
		return
	}

	deadline := time.UnixMilli(cj.expiresAt)
	if lease := start.Add(o.visibilityTimeout); lease.Before(deadline) {
		deadline = lease
	}
	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	job := &Job{
		ID:         cj.id,
		Seq:        cj.seq,
		Queue:      queue,
		Data:       data,
		RetryCount: cj.retryCount,
		ExpiresAt:  time.UnixMilli(cj.expiresAt),
	}

	herr := func() (herr error) {
		defer func() {
			if r := recover(); r != nil {
				herr = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(jobCtx, job)
	}()

	ackCtx, ackCancel := ack()
	defer ackCancel()

	if herr == nil {
		b.completeJob(ackCtx, queue, cj.id)
		metrics.BusJobDuration.WithLabelValues(queue).Observe(b.now().Sub(start).Seconds())
		return
	}

	if cj.retryCount+1 >= cj.retryLimit {
		b.log.Warn("job failed, retries exhausted",
			"queue", queue, "job_id", cj.id, "attempts", cj.retryCount+1, "error", herr)
		b.failJob(ackCtx, queue, cj.id, herr.Error())
		return
	}
	b.rescheduleJob(ackCtx, queue, cj, herr)
}

func (b *Bus) completeJob(ctx context.Context, queue, jobID string) {
	_, err := b.db.ExecContext(ctx, b.dialect.rebind(`
		UPDATE jobs SET state = 'completed', completed_at = ?, lease_expires_at = NULL
		WHERE id = ? AND state = 'active'`),
		b.now().UnixMilli(), jobID)
	if err != nil {
		b.log.Error("complete job", "queue", queue, "job_id", jobID, "error", err)
		return
	}
	metrics.BusJobsCompleted.WithLabelValues(queue).Inc()
}

func (b *Bus) failJob(ctx context.Context, queue, jobID, cause string) {
	_, err := b.db.ExecContext(ctx, b.dialect.rebind(`
		UPDATE jobs SET state = 'failed', completed_at = ?, lease_expires_at = NULL, last_error = ?
		WHERE id = ? AND state = 'active'`),
		b.now().UnixMilli(), cause, jobID)
	if err != nil {
		b.log.Error("fail job", "queue", queue, "job_id", jobID, "error", err)
		return
	}
	metrics.BusJobsFailed.WithLabelValues(queue).Inc()
}

// rescheduleJob returns a failed job to pending. The Nth retry becomes
// visible after N times the job's retry delay.
func (b *Bus) rescheduleJob(ctx context.Context, queue string, cj *claimedJob, cause error) {
	retry := cj.retryCount + 1
	visibleAt := b.now().Add(time.Duration(retry) * cj.retryDelay)
	_, err := b.db.ExecContext(ctx, b.dialect.rebind(`
		UPDATE jobs SET state = 'pending', retry_count = ?, visible_at = ?,
		                lease_expires_at = NULL, last_error = ?
		WHERE id = ? AND state = 'active'`),
		retry, visibleAt.UnixMilli(), cause.Error(), cj.id)
	if err != nil {
		b.log.Error("reschedule job", "queue", queue, "job_id", cj.id, "error", err)
		return
	}
	b.log.Debug("job rescheduled",
		"queue", queue, "job_id", cj.id, "retry", retry, "visible_at", visibleAt)
	metrics.BusJobsRetried.WithLabelValues(queue).Inc()
}

// Cancel terminates a pending or active job. The job moves to failed with
// last_error "cancelled"; a running handler is not interrupted, but its
// eventual acknowledgement becomes a no-op. Cancelling a job already in a
// terminal state is a no-op.
func (b *Bus) Cancel(ctx context.Context, queue, jobID string) error {
	res, err := b.db.ExecContext(ctx, b.dialect.rebind(`
		UPDATE jobs SET state = 'failed', completed_at = ?, lease_expires_at = NULL, last_error = 'cancelled'
		WHERE queue = ? AND id = ? AND state IN ('pending', 'active')`),
		b.now().UnixMilli(), queue, jobID)
	if err != nil {
		return unavailable("cancel "+queue, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.BusJobsFailed.WithLabelValues(queue).Inc()
		return nil
	}

	// Nothing transitioned: either the job is already terminal (fine) or
	// it does not exist.
	var state string
	err = b.db.QueryRowContext(ctx, b.dialect.rebind(
		`SELECT state FROM jobs WHERE queue = ? AND id = ?`), queue, jobID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cancel %s/%s: %w", queue, jobID, ErrJobNotFound)
	}
	if err != nil {
		return unavailable("cancel "+queue, err)
	}
	return nil
}

// GetJob returns the full record for a job.
func (b *Bus) GetJob(ctx context.Context, queue, jobID string) (*JobInfo, error) {
	row := b.db.QueryRowContext(ctx, b.dialect.rebind(`
		SELECT id, queue, state, priority, group_key, singleton_key,
		       retry_limit, retry_count, created_at, started_at, completed_at, expires_at, last_error
		FROM jobs WHERE queue = ? AND id = ?`), queue, jobID)

	var info JobInfo
	var groupKey, singletonKey, lastErr sql.NullString
	var createdAt, expiresAt int64
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(&info.ID, &info.Queue, &info.State, &info.Priority, &groupKey, &singletonKey,
		&info.RetryLimit, &info.RetryCount, &createdAt, &startedAt, &completedAt, &expiresAt, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s/%s: %w", queue, jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, unavailable("get job "+queue, err)
	}

	info.GroupKey = groupKey.String
	info.SingletonKey = singletonKey.String
	info.LastError = lastErr.String
	info.CreatedAt = time.UnixMilli(createdAt).UTC()
	info.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if startedAt.Valid {
		info.StartedAt = time.UnixMilli(startedAt.Int64).UTC()
	}
	if completedAt.Valid {
		info.CompletedAt = time.UnixMilli(completedAt.Int64).UTC()
	}
	return &info, nil
}

// QueueSize returns the number of pending jobs on the queue.
func (b *Bus) QueueSize(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx, b.dialect.rebind(`
		SELECT COUNT(*) FROM jobs WHERE queue = ? AND state = 'pending' AND expires_at > ?`),
		queue, b.now().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, unavailable("queue size "+queue, err)
	}
	return n, nil
}

// nullable stores empty strings as NULL so partial indexes skip them.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
