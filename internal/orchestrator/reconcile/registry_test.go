package reconcile

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPutGetDelete(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("u1")
	require.False(t, ok)

	r.Put(UserWorker{Key: "u1", UserID: "U1", State: StateProvisioning, LastMessageAt: time.Now()})
	w, ok := r.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "U1", w.UserID)

	// Get returns a copy; mutating it does not touch the registry.
	w.State = StateFailed
	w2, _ := r.Get("u1")
	assert.Equal(t, StateProvisioning, w2.State)

	r.Delete("u1")
	_, ok = r.Get("u1")
	assert.False(t, ok)
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry()
	r.Put(UserWorker{Key: "u1", State: StateProvisioning})

	assert.True(t, r.Update("u1", func(w *UserWorker) { w.State = StateActive }))
	w, _ := r.Get("u1")
	assert.Equal(t, StateActive, w.State)

	assert.False(t, r.Update("missing", func(w *UserWorker) {}))
}

func TestRegistryCountByState(t *testing.T) {
	r := NewRegistry()
	r.Put(UserWorker{Key: "u1", State: StateActive})
	r.Put(UserWorker{Key: "u2", State: StateActive})
	r.Put(UserWorker{Key: "u3", State: StateScaledZero})

	counts := r.CountByState()
	assert.Equal(t, 2, counts[StateActive])
	assert.Equal(t, 1, counts[StateScaledZero])
	assert.Zero(t, counts[StateFailed])
}

func TestRegistryAcquireSerializesPerKey(t *testing.T) {
	r := NewRegistry()
	r.Put(UserWorker{Key: "u1"})

	var mu sync.Mutex
	inCritical := 0
	maxSeen := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Acquire("u1")
			defer unlock()

			mu.Lock()
			inCritical++
			if inCritical > maxSeen {
				maxSeen = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "at most one holder per key")
}
