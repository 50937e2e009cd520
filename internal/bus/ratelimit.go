package bus

import (
	"context"
	"time"
)

// TakeRateLimit records one action for key and reports whether it stays
// within max actions per window. The window is fixed and starts at the
// first action after the previous window lapsed; denied actions count
// toward the total but never extend the window. When denied, retryAfter
// is the time until the window lapses. Counters live in the store, so
// every process sharing the bus shares the same windows.
func (b *Bus) TakeRateLimit(ctx context.Context, key string, max int, window time.Duration) (allowed bool, retryAfter time.Duration, err error) {
	now := b.now()
	cutoff := now.Add(-window).UnixMilli()

	// A lapsed window restarts at this action; otherwise the count grows
	// past max so the RETURNING row alone decides the outcome.
	row := b.db.QueryRowContext(ctx, b.dialect.rebind(`
		INSERT INTO rate_limits (key, window_start, count) VALUES (?, ?, 1)
		ON CONFLICT (key) DO UPDATE SET
			window_start = CASE WHEN rate_limits.window_start <= ? THEN excluded.window_start
			                    ELSE rate_limits.window_start END,
			count        = CASE WHEN rate_limits.window_start <= ? THEN 1
			                    ELSE rate_limits.count + 1 END
		RETURNING window_start, count`),
		key, now.UnixMilli(), cutoff, cutoff)

	var windowStart, count int64
	if err := row.Scan(&windowStart, &count); err != nil {
		return false, 0, unavailable("take rate limit", err)
	}

	if count <= int64(max) {
		return true, 0, nil
	}
	retryAfter = time.UnixMilli(windowStart).Add(window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter, nil
}

// ResetRateLimit clears the counter for key, reopening its window.
func (b *Bus) ResetRateLimit(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, b.dialect.rebind(
		`DELETE FROM rate_limits WHERE key = ?`), key)
	if err != nil {
		return unavailable("reset rate limit", err)
	}
	return nil
}
