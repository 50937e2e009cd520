package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwright/chatwright/internal/bus"
	"github.com/chatwright/chatwright/internal/frames"
	"github.com/chatwright/chatwright/internal/metrics"
)

// flushInterval is the minimum spacing between progress frames for one
// reply message. Agent output bursts far faster than a chat surface can
// usefully be edited.
const flushInterval = 2 * time.Second

// sender is the slice of the bus the emitter sends through.
type sender interface {
	Send(ctx context.Context, queue string, payload any, opts ...bus.SendOption) (string, error)
}

// emitter publishes progress frames for one reply message. Only the
// newest frame is kept; the flusher sends it immediately when idle and
// at most once per interval under load. publish never blocks on the
// bus, and a failed send drops the frame so the next one takes over.
type emitter struct {
	bus      sender
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending *frames.ProgressFrame

	wake chan struct{}
}

func newEmitter(b sender, log *slog.Logger, interval time.Duration) *emitter {
	if interval <= 0 {
		interval = flushInterval
	}
	return &emitter{
		bus:      b,
		log:      log,
		interval: interval,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// publish replaces the pending frame and wakes the flusher. Frames are
// stamped here so the surface applies them in publication order.
func (e *emitter) publish(f frames.ProgressFrame) {
	f.Stamp(e.now())
	e.mu.Lock()
	e.pending = &f
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// run flushes pending frames until ctx is cancelled. Anything still
// pending at cancellation is dropped; the terminal frame the session
// sends afterwards supersedes it.
func (e *emitter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}
		e.flush(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.interval):
		}
	}
}

// flush takes the pending frame, if any, and sends it.
func (e *emitter) flush(ctx context.Context) {
	e.mu.Lock()
	f := e.pending
	e.pending = nil
	e.mu.Unlock()
	if f == nil {
		return
	}

	if _, err := e.bus.Send(ctx, frames.QueueThreadResponse, f); err != nil {
		metrics.FramesDropped.Inc()
		e.log.Warn("progress frame dropped", "key", f.Key(), "error", err)
		return
	}
	metrics.FramesEmitted.Inc()
}
