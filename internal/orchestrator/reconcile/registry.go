package reconcile

import (
	"sync"
	"time"
)

// State of one tracked UserWorker.
type State string

const (
	// StateProvisioning: deployment created, no ready replica yet.
	StateProvisioning State = "provisioning"
	// StateActive: at least one ready replica observed.
	StateActive State = "active"
	// StateScaledZero: scaled down after the grace period.
	StateScaledZero State = "scaled_zero"
	// StateFailed: provisioning gave up; the next message retries.
	StateFailed State = "failed"
)

// UserWorker is the reconciler's record of one user's worker deployment.
// The key is the sanitized user ID, which also names the deployment and
// the user queue.
type UserWorker struct {
	Key            string
	UserID         string
	DeploymentName string
	State          State
	LastMessageAt  time.Time

	// Last known placeholder, for reporting provisioning failures.
	LastChannelID     string
	LastPlaceholderTS string
}

// Registry tracks UserWorkers. All methods are safe for concurrent use;
// Acquire additionally serializes multi-step transitions per key so the
// message handler and the reconcile tick never interleave on one user.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*UserWorker
	locks   map[string]*sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*UserWorker),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Acquire locks the per-key mutex and returns the unlock func.
func (r *Registry) Acquire(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns a copy of the worker record.
func (r *Registry) Get(key string) (UserWorker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[key]
	if !ok {
		return UserWorker{}, false
	}
	return *w, true
}

// Put stores the record, replacing any existing one.
func (r *Registry) Put(w UserWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := w
	r.workers[w.Key] = &cp
}

// Update applies fn to the record under the registry lock. Returns false
// when the key is not tracked.
func (r *Registry) Update(key string, fn func(*UserWorker)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[key]
	if !ok {
		return false
	}
	fn(w)
	return true
}

// Delete removes the record. The key's lock survives so a holder never
// races a fresh Acquire for the same key.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, key)
}

// List returns copies of all records.
func (r *Registry) List() []UserWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]UserWorker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// Len returns the number of tracked workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// CountByState tallies records per state.
func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[State]int)
	for _, w := range r.workers {
		counts[w.State]++
	}
	return counts
}
