// Package dispatch translates inbound chat events into InboundMessage
// jobs on the bus. It owns the conversation-opening rules: a mention
// starts a thread anywhere, a plain reply only continues a thread the
// gateway has already claimed with a placeholder.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/chatwright/chatwright/internal/bus"
	"github.com/chatwright/chatwright/internal/chat"
	"github.com/chatwright/chatwright/internal/chat/events"
	"github.com/chatwright/chatwright/internal/frames"
	"github.com/chatwright/chatwright/internal/metrics"
	"github.com/chatwright/chatwright/internal/util/sanitize"
)

const (
	// placeholderText seeds the reply message the worker streams into.
	placeholderText = "⏳ working…"

	rejectionText     = "Sorry, you're not authorized to use this assistant."
	enqueueFailedText = "Something went wrong while queuing your request. Please try again."

	// sendAttempts bounds producer-side retries when the bus reports
	// ErrBusUnavailable.
	sendAttempts = 3

	// claimTTL keeps a thread answerable without mentions after the
	// gateway has placed a placeholder in it.
	claimTTL = 24 * time.Hour

	// seenTTL covers the platform's redelivery horizon.
	seenTTL = time.Hour

	// maxPromptLen caps the prompt taken from one chat message. The
	// platform stops at 40000 characters; anything past that is noise.
	maxPromptLen = 40000
)

// mentionPrefix strips leading @-mention tags so the agent prompt
// starts with the user's words.
var mentionPrefix = regexp.MustCompile(`^(?:\s*<@[^>]+>[,:]?\s*)+`)

// sender is the slice of the bus the dispatcher sends through.
type sender interface {
	Send(ctx context.Context, queue string, payload any, opts ...bus.SendOption) (string, error)
}

// Config carries the dispatcher's gate settings.
type Config struct {
	// Allowlist names the users permitted to talk to the assistant.
	// Empty means everyone.
	Allowlist []string
}

// Dispatcher turns chat events into jobs on the messages queue. Event
// sources call Handle from their own goroutines; all state is an
// in-memory recency cache, so a restart only forgets claimed threads
// and redelivery dedupe, never accepted work.
type Dispatcher struct {
	bus    sender
	chat   chat.Client
	allow  map[string]struct{}
	claims *ttlCache
	seen   *ttlCache
	log    *slog.Logger

	// newBackOff is replaced in tests.
	newBackOff func() backoff.BackOff
}

// New returns a Dispatcher that posts through chatc and enqueues on b.
func New(b sender, chatc chat.Client, cfg Config) *Dispatcher {
	var allow map[string]struct{}
	if len(cfg.Allowlist) > 0 {
		allow = make(map[string]struct{}, len(cfg.Allowlist))
		for _, u := range cfg.Allowlist {
			allow[u] = struct{}{}
		}
	}
	return &Dispatcher{
		bus:        b,
		chat:       chatc,
		allow:      allow,
		claims:     newTTLCache(claimTTL),
		seen:       newTTLCache(seenTTL),
		log:        slog.With("component", "dispatch"),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Handle implements events.Handler: gate, deduplicate, post the
// placeholder, enqueue. The seen mark is taken before the first chat
// call and rolled back if that call fails, so the platform's
// redelivery gets a clean retry while concurrent duplicates still
// collapse to one placeholder.
func (d *Dispatcher) Handle(ctx context.Context, ev events.Event) {
	if ev.BotID != "" {
		rejected("bot")
		return
	}
	switch ev.Type {
	case "app_mention", "message":
	default:
		rejected("event_type")
		return
	}
	if ev.UserID == "" || ev.TS == "" || ev.ChannelID == "" {
		rejected("malformed")
		return
	}

	threadID := ev.ThreadTS
	if threadID == "" {
		threadID = ev.TS
	}
	claimKey := ev.ChannelID + "/" + threadID

	// Plain messages only continue threads we already own.
	if ev.Type == "message" && (ev.ThreadTS == "" || !d.claims.has(claimKey)) {
		rejected("unclaimed_thread")
		return
	}

	seenKey := ev.ChannelID + "/" + ev.TS
	if !d.seen.putIfAbsent(seenKey) {
		d.log.Debug("duplicate delivery dropped", "channel", ev.ChannelID, "ts", ev.TS, "retry", ev.Retry)
		rejected("duplicate")
		return
	}

	if d.allow != nil {
		if _, ok := d.allow[ev.UserID]; !ok {
			if _, err := d.chat.PostMessage(ctx, ev.ChannelID, threadID, rejectionText, nil); err != nil {
				d.seen.drop(seenKey)
				d.log.Error("allowlist rejection reply failed", "channel", ev.ChannelID, "user", ev.UserID, "error", err)
				return
			}
			rejected("allowlist")
			d.log.Info("rejected user outside allowlist", "user", ev.UserID, "channel", ev.ChannelID)
			return
		}
	}

	placeholderTS, err := d.chat.PostMessage(ctx, ev.ChannelID, threadID, placeholderText, nil)
	if err != nil {
		d.seen.drop(seenKey)
		rejected("placeholder_error")
		d.log.Error("placeholder post failed", "channel", ev.ChannelID, "thread", threadID, "error", err)
		return
	}
	d.claims.put(claimKey)

	msg := frames.InboundMessage{
		UserID:            ev.UserID,
		ThreadID:          threadID,
		ChannelID:         ev.ChannelID,
		MessageID:         ev.TS,
		MessageText:       sanitize.Text(mentionPrefix.ReplaceAllString(ev.Text, ""), maxPromptLen),
		OriginalMessageTS: ev.TS,
		PlaceholderTS:     placeholderTS,
		PlatformMetadata:  map[string]string{"eventType": ev.Type},
	}
	if err := d.enqueue(ctx, &msg); err != nil {
		rejected("enqueue_error")
		d.log.Error("enqueue failed after placeholder", "channel", ev.ChannelID, "thread", threadID, "error", err)
		if uerr := d.chat.UpdateMessage(ctx, ev.ChannelID, placeholderTS, enqueueFailedText, nil); uerr != nil {
			d.log.Error("placeholder error edit failed", "channel", ev.ChannelID, "ts", placeholderTS, "error", uerr)
		}
		return
	}

	metrics.MessagesDispatched.Inc()
	d.log.Info("message dispatched", "user", ev.UserID, "channel", ev.ChannelID, "thread", threadID)
}

// enqueue sends msg to the messages queue, retrying bus outages before
// giving up. The singleton key makes retries and platform redeliveries
// resolve to one job.
func (d *Dispatcher) enqueue(ctx context.Context, msg *frames.InboundMessage) error {
	bo := d.newBackOff()
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		_, lastErr = d.bus.Send(ctx, frames.QueueMessages, msg,
			bus.WithSingletonKey(msg.SingletonKey()),
			bus.WithGroupKey(msg.UserID))
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, bus.ErrBusUnavailable) || ctx.Err() != nil || attempt == sendAttempts {
			break
		}
		interval := bo.NextBackOff()
		d.log.Warn("bus send failed, retrying", "attempt", attempt, "backoff", interval, "error", lastErr)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(interval):
		}
	}
	return lastErr
}

func rejected(reason string) {
	metrics.DispatchRejected.WithLabelValues(reason).Inc()
}
