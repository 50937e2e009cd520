package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwright/chatwright/internal/util/testutil"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type testPayload struct {
	Value string `json:"value"`
}

func TestSendAndGetJob(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	id, err := b.Send(ctx, "messages", testPayload{Value: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := b.GetJob(ctx, "messages", id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, info.State)
	assert.Equal(t, "messages", info.Queue)
	assert.Equal(t, defaultRetryLimit, info.RetryLimit)
	assert.Equal(t, defaultRetryLimit, info.RetriesRemaining())
	assert.WithinDuration(t, time.Now().Add(defaultExpireIn), info.ExpiresAt, time.Minute)
}

func TestSendRejectsInvalidQueueName(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	for _, queue := range []string{"", "Has Spaces", "UPPER", "-leading", strings.Repeat("q", 80)} {
		_, err := b.Send(ctx, queue, testPayload{})
		assert.ErrorIs(t, err, ErrQueueRejected, "queue %q", queue)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	_, err := b.Send(ctx, "messages", testPayload{Value: strings.Repeat("x", maxPayloadBytes+1)})
	assert.ErrorIs(t, err, ErrQueueRejected)
}

func TestSingletonDedupe(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	first, err := b.Send(ctx, "messages", testPayload{Value: "a"}, WithSingletonKey("K"))
	require.NoError(t, err)

	second, err := b.Send(ctx, "messages", testPayload{Value: "b"}, WithSingletonKey("K"))
	require.NoError(t, err)
	assert.Equal(t, first, second, "same singleton key must resolve to the same job")

	n, err := b.QueueSize(ctx, "messages")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// A different queue is a separate uniqueness domain.
	other, err := b.Send(ctx, "thread_response", testPayload{Value: "c"}, WithSingletonKey("K"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestSingletonFreedAfterCompletion(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	first, err := b.Send(ctx, "messages", testPayload{}, WithSingletonKey("K"))
	require.NoError(t, err)

	runWorker(t, b, "messages", func(context.Context, *Job) error { return nil })
	testutil.RequireEventually(t, func() bool {
		info, err := b.GetJob(context.Background(), "messages", first)
		return err == nil && info.State == StateCompleted
	})

	// The key is free again; a new send enqueues a fresh job.
	second, err := b.Send(ctx, "messages", testPayload{}, WithSingletonKey("K"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

// runWorker starts a Work consumer that stops when the test ends.
func runWorker(t *testing.T, b *Bus, queue string, handler Handler, opts ...WorkOption) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	opts = append([]WorkOption{WithPollInterval(10 * time.Millisecond)}, opts...)
	go func() {
		defer close(done)
		_ = b.Work(ctx, queue, handler, opts...)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWorkDeliversPayload(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	var (
		mu  sync.Mutex
		got []string
	)
	runWorker(t, b, "messages", func(_ context.Context, job *Job) error {
		mu.Lock()
		got = append(got, string(job.Data))
		mu.Unlock()
		return nil
	})

	id, err := b.Send(ctx, "messages", testPayload{Value: "hello"})
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	assert.JSONEq(t, `{"value":"hello"}`, got[0])
	mu.Unlock()

	testutil.RequireEventually(t, func() bool {
		info, err := b.GetJob(context.Background(), "messages", id)
		return err == nil && info.State == StateCompleted
	})
}

func TestWorkHandlerRunsOncePerSingleton(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	id1, err := b.Send(ctx, "messages", testPayload{}, WithSingletonKey("K"))
	require.NoError(t, err)
	id2, err := b.Send(ctx, "messages", testPayload{}, WithSingletonKey("K"))
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	var runs atomic.Int64
	runWorker(t, b, "messages", func(context.Context, *Job) error {
		runs.Add(1)
		return nil
	})

	testutil.RequireEventually(t, func() bool { return runs.Load() >= 1 })
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, runs.Load(), "deduped send must not run the handler twice")
}

func TestWorkOrderingByPriorityThenFIFO(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	_, err := b.Send(ctx, "messages", testPayload{Value: "low-1"})
	require.NoError(t, err)
	_, err = b.Send(ctx, "messages", testPayload{Value: "low-2"})
	require.NoError(t, err)
	_, err = b.Send(ctx, "messages", testPayload{Value: "high"}, WithPriority(5))
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	// batchSize 1 serializes handling so the claim order is observable.
	runWorker(t, b, "messages", func(_ context.Context, job *Job) error {
		var p testPayload
		require.NoError(t, unmarshal(job.Data, &p))
		mu.Lock()
		order = append(order, p.Value)
		mu.Unlock()
		return nil
	})

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	assert.Equal(t, []string{"high", "low-1", "low-2"}, order)
	mu.Unlock()
}

func unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func TestWorkRetriesThenFails(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	var attempts atomic.Int64
	runWorker(t, b, "messages", func(context.Context, *Job) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	id, err := b.Send(ctx, "messages", testPayload{},
		WithRetryLimit(3), WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		info, err := b.GetJob(context.Background(), "messages", id)
		return err == nil && info.State == StateFailed
	})
	assert.EqualValues(t, 3, attempts.Load(), "retryLimit bounds total attempts")

	info, err := b.GetJob(ctx, "messages", id)
	require.NoError(t, err)
	assert.Equal(t, "boom", info.LastError)
	assert.Zero(t, info.RetriesRemaining())
}

func TestPoisonJobDoesNotBlockQueue(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	var goodRuns atomic.Int64
	runWorker(t, b, "messages", func(_ context.Context, job *Job) error {
		var p testPayload
		_ = unmarshal(job.Data, &p)
		if p.Value == "poison" {
			return errors.New("always fails")
		}
		goodRuns.Add(1)
		return nil
	}, WithBatchSize(2))

	_, err := b.Send(ctx, "messages", testPayload{Value: "poison"},
		WithRetryLimit(3), WithRetryDelay(5*time.Millisecond))
	require.NoError(t, err)
	goodID, err := b.Send(ctx, "messages", testPayload{Value: "good"})
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		info, err := b.GetJob(context.Background(), "messages", goodID)
		return err == nil && info.State == StateCompleted
	})
	assert.EqualValues(t, 1, goodRuns.Load())
}

func TestWorkRecoversHandlerPanic(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	runWorker(t, b, "messages", func(context.Context, *Job) error {
		panic("handler exploded")
	})

	id, err := b.Send(ctx, "messages", testPayload{},
		WithRetryLimit(1), WithRetryDelay(5*time.Millisecond))
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		info, err := b.GetJob(context.Background(), "messages", id)
		return err == nil && info.State == StateFailed
	})
	info, _ := b.GetJob(ctx, "messages", id)
	assert.Contains(t, info.LastError, "handler exploded")
}

func TestWorkGroupFilter(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	var (
		mu  sync.Mutex
		got []string
	)
	runWorker(t, b, "messages", func(_ context.Context, job *Job) error {
		var p testPayload
		_ = unmarshal(job.Data, &p)
		mu.Lock()
		got = append(got, p.Value)
		mu.Unlock()
		return nil
	}, WithGroupFilter("u1"))

	_, err := b.Send(ctx, "messages", testPayload{Value: "mine"}, WithGroupKey("u1"))
	require.NoError(t, err)
	_, err = b.Send(ctx, "messages", testPayload{Value: "theirs"}, WithGroupKey("u2"))
	require.NoError(t, err)
	_, err = b.Send(ctx, "messages", testPayload{Value: "unkeyed"})
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"mine"}, got, "filtered consumer claims only its group")
	mu.Unlock()

	// The other two jobs remain pending for an unfiltered consumer.
	n, err := b.QueueSize(ctx, "messages")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestCancel(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	id, err := b.Send(ctx, "messages", testPayload{})
	require.NoError(t, err)

	require.NoError(t, b.Cancel(ctx, "messages", id))

	info, err := b.GetJob(ctx, "messages", id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, "cancelled", info.LastError)

	// Cancelling a terminal job is a no-op; unknown IDs are an error.
	assert.NoError(t, b.Cancel(ctx, "messages", id))
	assert.ErrorIs(t, b.Cancel(ctx, "messages", "nope"), ErrJobNotFound)
}

func TestQueueSizeCountsOnlyPending(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	n, err := b.QueueSize(ctx, "messages")
	require.NoError(t, err)
	assert.Zero(t, n)

	id1, err := b.Send(ctx, "messages", testPayload{})
	require.NoError(t, err)
	_, err = b.Send(ctx, "messages", testPayload{})
	require.NoError(t, err)

	n, err = b.QueueSize(ctx, "messages")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, b.Cancel(ctx, "messages", id1))
	n, err = b.QueueSize(ctx, "messages")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestLargePayloadRoundTrip(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	// Over the compression threshold, so the zstd path is exercised.
	want := strings.Repeat("progress frame content ", 1024)
	_, err := b.Send(ctx, "thread_response", testPayload{Value: want})
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got string
	)
	runWorker(t, b, "thread_response", func(_ context.Context, job *Job) error {
		var p testPayload
		require.NoError(t, unmarshal(job.Data, &p))
		mu.Lock()
		got = p.Value
		mu.Unlock()
		return nil
	})

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == want
	})
}

func TestMaintainRecoversExpiredLease(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	id, err := b.Send(ctx, "messages", testPayload{}, WithRetryLimit(3))
	require.NoError(t, err)

	// Claim with a tiny visibility timeout and never acknowledge: the
	// handler blocks until the test finishes.
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	runWorker(t, b, "messages", func(hctx context.Context, _ *Job) error {
		select {
		case <-block:
		case <-hctx.Done():
		}
		return hctx.Err()
	}, WithVisibilityTimeout(20*time.Millisecond))

	testutil.RequireEventually(t, func() bool {
		info, err := b.GetJob(context.Background(), "messages", id)
		return err == nil && info.State == StateActive
	})

	time.Sleep(30 * time.Millisecond)
	b.maintainOnce(ctx, DefaultRetention)

	info, err := b.GetJob(ctx, "messages", id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, info.State, "expired lease returns the job to pending")
	assert.Equal(t, 1, info.RetryCount, "the lost attempt counts against the retry limit")
}

func TestMaintainExpiresLifetime(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	id, err := b.Send(ctx, "messages", testPayload{}, WithExpireIn(10*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	b.maintainOnce(ctx, DefaultRetention)

	info, err := b.GetJob(ctx, "messages", id)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, info.State)

	n, err := b.QueueSize(ctx, "messages")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMaintainPurgesOldTerminalRows(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	id, err := b.Send(ctx, "messages", testPayload{})
	require.NoError(t, err)
	require.NoError(t, b.Cancel(ctx, "messages", id))

	// Shift the clock past the retention window.
	b.now = func() time.Time { return time.Now().Add(2 * DefaultRetention) }
	b.maintainOnce(ctx, DefaultRetention)
	b.now = time.Now

	_, err = b.GetJob(ctx, "messages", id)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestHandlerContextDeadline(t *testing.T) {
	b := newTestBus(t)
	ctx := testutil.Context(t)

	deadlines := make(chan time.Time, 1)
	runWorker(t, b, "messages", func(hctx context.Context, _ *Job) error {
		if d, ok := hctx.Deadline(); ok {
			deadlines <- d
		}
		return nil
	}, WithVisibilityTimeout(time.Minute))

	// Job expiry is sooner than the lease, so it wins.
	_, err := b.Send(ctx, "messages", testPayload{}, WithExpireIn(10*time.Second))
	require.NoError(t, err)

	select {
	case d := <-deadlines:
		assert.WithinDuration(t, time.Now().Add(10*time.Second), d, 2*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestPingAfterClose(t *testing.T) {
	b, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Ping(context.Background()), ErrBusUnavailable)
}
