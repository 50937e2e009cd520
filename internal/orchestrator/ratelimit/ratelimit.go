// Package ratelimit bounds per-user message routing. The orchestrator
// consults a Limiter before forwarding each message; over-limit users get
// an explanatory reply instead of a worker run.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Result of one Take.
type Result struct {
	Allowed bool
	// RetryAfter is how long until the next action would be allowed.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter decides whether one more action is allowed for a key right now.
// Take consumes an attempt when it returns Allowed.
type Limiter interface {
	Take(ctx context.Context, key string) (Result, error)
	// Reset clears the key's history.
	Reset(ctx context.Context, key string) error
}

// Settings are the runtime-adjustable limiter knobs. The admin API flips
// Enabled as a kill switch without restarting the orchestrator. All
// methods are safe for concurrent use.
type Settings struct {
	enabled atomic.Bool
	max     atomic.Int64
	window  atomic.Int64 // nanoseconds
}

// NewSettings returns Settings with the given initial values.
func NewSettings(enabled bool, max int, window time.Duration) *Settings {
	s := &Settings{}
	s.enabled.Store(enabled)
	s.max.Store(int64(max))
	s.window.Store(int64(window))
	return s
}

// Enabled reports whether limiting is on.
func (s *Settings) Enabled() bool { return s.enabled.Load() }

// SetEnabled flips the kill switch.
func (s *Settings) SetEnabled(v bool) { s.enabled.Store(v) }

// Max returns the allowed actions per window.
func (s *Settings) Max() int { return int(s.max.Load()) }

// Window returns the window length.
func (s *Settings) Window() time.Duration { return time.Duration(s.window.Load()) }

// Window is an in-process sliding-window limiter: a key may take at most
// Max actions within any Window-length span. State lives in memory, so
// each process has its own view; use Store when replicas must agree.
type Window struct {
	settings *Settings

	mu    sync.Mutex
	taken map[string][]time.Time

	now func() time.Time
}

// NewWindow returns a sliding-window limiter governed by settings.
func NewWindow(settings *Settings) *Window {
	return &Window{
		settings: settings,
		taken:    make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Take implements Limiter.
func (w *Window) Take(_ context.Context, key string) (Result, error) {
	if !w.settings.Enabled() {
		return Result{Allowed: true}, nil
	}
	max := w.settings.Max()
	window := w.settings.Window()
	now := w.now()
	cutoff := now.Add(-window)

	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.taken[key][:0]
	for _, ts := range w.taken[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= max {
		w.taken[key] = kept
		retryAfter := window
		if len(kept) > 0 {
			retryAfter = kept[0].Add(window).Sub(now)
		}
		return Result{RetryAfter: retryAfter}, nil
	}

	w.taken[key] = append(kept, now)
	return Result{Allowed: true}, nil
}

// Reset implements Limiter.
func (w *Window) Reset(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.taken, key)
	return nil
}

// GC drops keys with no activity inside the current window. Run it
// periodically; Take already trims per-key history on access.
func (w *Window) GC() {
	cutoff := w.now().Add(-w.settings.Window())

	w.mu.Lock()
	defer w.mu.Unlock()
	for key, stamps := range w.taken {
		live := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(w.taken, key)
		}
	}
}

// RunGC sweeps idle keys until ctx is cancelled.
func (w *Window) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.GC()
		}
	}
}

// counterStore is the slice of the bus the Store limiter needs.
type counterStore interface {
	TakeRateLimit(ctx context.Context, key string, max int, window time.Duration) (bool, time.Duration, error)
	ResetRateLimit(ctx context.Context, key string) error
}

// Store is a limiter whose counters live in the bus store, shared by all
// orchestrator replicas.
type Store struct {
	settings *Settings
	store    counterStore
}

// NewStore returns a store-backed limiter governed by settings.
func NewStore(settings *Settings, store counterStore) *Store {
	return &Store{settings: settings, store: store}
}

// Take implements Limiter.
func (s *Store) Take(ctx context.Context, key string) (Result, error) {
	if !s.settings.Enabled() {
		return Result{Allowed: true}, nil
	}
	allowed, retryAfter, err := s.store.TakeRateLimit(ctx, key, s.settings.Max(), s.settings.Window())
	if err != nil {
		return Result{}, err
	}
	return Result{Allowed: allowed, RetryAfter: retryAfter}, nil
}

// Reset implements Limiter.
func (s *Store) Reset(ctx context.Context, key string) error {
	return s.store.ResetRateLimit(ctx, key)
}
