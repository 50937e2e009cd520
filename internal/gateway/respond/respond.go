// Package respond consumes worker progress frames and applies them to
// the chat surface: markdown rendered to platform blocks, the
// placeholder edited in place, reactions on the user's message
// tracking job state.
package respond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwright/chatwright/internal/bus"
	"github.com/chatwright/chatwright/internal/chat"
	"github.com/chatwright/chatwright/internal/frames"
	"github.com/chatwright/chatwright/internal/metrics"
)

const (
	// frameBatch bounds parallel frame application.
	frameBatch = 8

	reactionProcessing = "gear"
	reactionDone       = "white_check_mark"
	reactionError      = "x"

	renderFailedText = "⚠️ The response could not be displayed."

	// threadTTL ages out per-message state; sweepEvery bounds how many
	// new threads may open between sweeps.
	threadTTL  = 24 * time.Hour
	sweepEvery = 512
)

// Config carries the consumer's rendering inputs.
type Config struct {
	// RepoLinks maps a chat userId to their repository web URL. A
	// resolving entry plus a frame's gitBranch yields the Edit button.
	RepoLinks map[string]string
}

// Consumer works the thread_response queue. Frames for one edited
// message apply under a per-key mutex in timestamp order; anything
// older than the surface already shows is acked and dropped.
type Consumer struct {
	bus   *bus.Bus
	chat  chat.Client
	links map[string]string
	log   *slog.Logger

	mu      sync.Mutex
	threads map[string]*threadState
	opens   int

	now func() time.Time
}

// threadState tracks one edited message. lastApplied enforces
// monotonic application; processing remembers whether the gear
// reaction is on the original message.
type threadState struct {
	mu          sync.Mutex
	lastApplied int64
	processing  bool
	touched     time.Time
}

// New returns a Consumer. Call Run to start it.
func New(b *bus.Bus, chatc chat.Client, cfg Config) *Consumer {
	return &Consumer{
		bus:     b,
		chat:    chatc,
		links:   cfg.RepoLinks,
		log:     slog.With("component", "respond"),
		threads: make(map[string]*threadState),
		now:     time.Now,
	}
}

// Run consumes thread_response until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Work(ctx, frames.QueueThreadResponse, c.handleFrame, bus.WithBatchSize(frameBatch))
}

func (c *Consumer) handleFrame(ctx context.Context, job *bus.Job) error {
	var f frames.ProgressFrame
	if err := json.Unmarshal(job.Data, &f); err != nil {
		c.log.Error("malformed progress frame", "job", job.ID, "error", err)
		return nil
	}
	if f.ChannelID == "" || f.ThreadTS == "" {
		c.log.Error("progress frame missing target", "job", job.ID)
		return nil
	}

	st := c.state(f.Key())
	st.mu.Lock()
	defer st.mu.Unlock()

	if f.Timestamp < st.lastApplied {
		metrics.FramesStale.Inc()
		c.log.Debug("dropping stale frame", "key", f.Key(), "timestamp", f.Timestamp, "applied", st.lastApplied)
		return nil
	}

	if err := c.apply(ctx, &f); err != nil {
		return err
	}
	st.lastApplied = f.Timestamp
	c.react(ctx, st, &f)
	return nil
}

// apply edits the target message with the rendered frame. Validation
// rejections replace the message with a plain notice and never retry;
// anything else bubbles up to the bus retry machinery.
func (c *Consumer) apply(ctx context.Context, f *frames.ProgressFrame) error {
	text, blocks := c.renderFrame(f)
	err := c.chat.UpdateMessage(ctx, f.ChannelID, f.ThreadTS, text, blocks)
	switch {
	case err == nil:
		metrics.FramesApplied.Inc()
		return nil
	case errors.Is(err, chat.ErrValidation):
		c.log.Error("frame rejected by platform, replacing with notice", "key", f.Key(), "error", err)
		if rerr := c.chat.UpdateMessage(ctx, f.ChannelID, f.ThreadTS, renderFailedText, nil); rerr != nil {
			c.log.Error("notice update failed", "key", f.Key(), "error", rerr)
		}
		return nil
	default:
		return fmt.Errorf("update message %s: %w", f.Key(), err)
	}
}

func (c *Consumer) renderFrame(f *frames.ProgressFrame) (string, []chat.Block) {
	if f.Error != "" {
		return truncate("⚠️ " + f.Error), nil
	}
	return render(f, c.links, c.log)
}

// react walks the reaction state machine on the user's original
// message. Terminal frames always try to clear the gear so the machine
// converges even when a restart lost the processing flag. Failures are
// logged, never retried: the edit already applied, so a job retry
// would be dropped as stale.
func (c *Consumer) react(ctx context.Context, st *threadState, f *frames.ProgressFrame) {
	if f.OriginalMessageTS == "" {
		return
	}
	switch {
	case f.Error != "":
		c.removeReaction(ctx, f, reactionProcessing)
		c.addReaction(ctx, f, reactionError)
		st.processing = false
	case f.IsDone:
		c.removeReaction(ctx, f, reactionProcessing)
		c.addReaction(ctx, f, reactionDone)
		st.processing = false
	case f.Content != "" && !st.processing:
		st.processing = c.addReaction(ctx, f, reactionProcessing)
	}
}

func (c *Consumer) addReaction(ctx context.Context, f *frames.ProgressFrame, name string) bool {
	if err := c.chat.AddReaction(ctx, f.ChannelID, f.OriginalMessageTS, name); err != nil {
		c.log.Warn("add reaction failed", "name", name, "key", f.Key(), "error", err)
		return false
	}
	return true
}

func (c *Consumer) removeReaction(ctx context.Context, f *frames.ProgressFrame, name string) {
	if err := c.chat.RemoveReaction(ctx, f.ChannelID, f.OriginalMessageTS, name); err != nil {
		c.log.Warn("remove reaction failed", "name", name, "key", f.Key(), "error", err)
	}
}

// state returns the tracking entry for key, creating it if needed.
// Every sweepEvery creations the map sheds entries idle past
// threadTTL; a resurrected key restarts with lastApplied zero, which
// only matters for frames delayed by more than a day.
func (c *Consumer) state(key string) *threadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.threads[key]
	if !ok {
		st = &threadState{}
		c.threads[key] = st
		c.opens++
		if c.opens >= sweepEvery {
			c.opens = 0
			cutoff := c.now().Add(-threadTTL)
			for k, s := range c.threads {
				if s.touched.Before(cutoff) && s != st {
					delete(c.threads, k)
				}
			}
		}
	}
	st.touched = c.now()
	return st
}
