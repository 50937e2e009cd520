package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwright/chatwright/internal/util/testutil"
)

func TestTakeRateLimitAllowsUpToMax(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	for i := 0; i < 3; i++ {
		ok, _, err := b.TakeRateLimit(ctx, "user:U1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "take %d", i+1)
	}

	ok, retryAfter, err := b.TakeRateLimit(ctx, "user:U1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestTakeRateLimitKeysAreIndependent(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	ok, _, err := b.TakeRateLimit(ctx, "user:U1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = b.TakeRateLimit(ctx, "user:U1", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, _, err = b.TakeRateLimit(ctx, "user:U2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a different key has its own window")
}

func TestTakeRateLimitWindowLapses(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	base := time.Now()
	b.now = func() time.Time { return base }

	ok, _, err := b.TakeRateLimit(ctx, "user:U1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = b.TakeRateLimit(ctx, "user:U1", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Denied takes must not push the window forward.
	b.now = func() time.Time { return base.Add(30 * time.Second) }
	ok, retryAfter, err := b.TakeRateLimit(ctx, "user:U1", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	assert.InDelta(t, (30 * time.Second).Seconds(), retryAfter.Seconds(), 1)

	b.now = func() time.Time { return base.Add(time.Minute + time.Second) }
	ok, _, err = b.TakeRateLimit(ctx, "user:U1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window lapsed")
}

func TestResetRateLimit(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	ok, _, err := b.TakeRateLimit(ctx, "user:U1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.ResetRateLimit(ctx, "user:U1"))

	ok, _, err = b.TakeRateLimit(ctx, "user:U1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMaintainPurgesLapsedRateLimits(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	ok, _, err := b.TakeRateLimit(ctx, "user:U1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	b.now = func() time.Time { return time.Now().Add(2 * DefaultRetention) }
	b.maintainOnce(ctx, DefaultRetention)

	var n int
	require.NoError(t, b.db.QueryRow(`SELECT COUNT(*) FROM rate_limits`).Scan(&n))
	assert.Zero(t, n)
}
