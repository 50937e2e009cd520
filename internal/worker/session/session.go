// Package session runs the per-user worker loop: it claims InboundMessage
// jobs from the user's queue, executes the coding agent for each one and
// streams progress frames back through the bus. One session binds one
// userId for the lifetime of the process.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatwright/chatwright/internal/bus"
	"github.com/chatwright/chatwright/internal/config"
	"github.com/chatwright/chatwright/internal/frames"
	"github.com/chatwright/chatwright/internal/metrics"
	"github.com/chatwright/chatwright/internal/worker/agent"
	"github.com/chatwright/chatwright/internal/worker/gitutil"
)

const (
	// thinkingText replaces the dispatcher's placeholder the moment a
	// job starts, before the agent has produced anything.
	thinkingText = "💭 thinking…"

	spawnFailedText = "The agent could not be started. Please try again later."
	crashedText     = "The agent stopped unexpectedly. Please try again."
	timedOutText    = "The agent ran out of time. Please try a smaller request."
	interruptedText = "The worker was interrupted while handling your request. Please try again."

	// bootstrapMarker records the initial message a workspace already
	// answered, so a restarted container does not answer it twice.
	bootstrapMarker = ".chatwright-bootstrap"

	// idlePollInterval is how often the idle watchdog checks for exit.
	idlePollInterval = 30 * time.Second

	// frameSendTimeout bounds terminal frame sends; they must complete
	// even while the session context is being torn down.
	frameSendTimeout = 5 * time.Second
)

// runFunc matches agent.Run; tests substitute a stub.
type runFunc func(ctx context.Context, opts agent.Options, prompt string, onUpdate agent.Update) (string, error)

// Session consumes one user's queues and runs the agent per message.
// Jobs for the same thread serialize on a lane mutex; distinct threads
// run in parallel up to the configured concurrency.
type Session struct {
	bus *bus.Bus
	cfg config.Worker
	log *slog.Logger
	sem chan struct{}

	// runAgent, branch and now are replaceable in tests.
	runAgent runFunc
	branch   func(dir string) string
	now      func() time.Time

	// idlePoll, poll and flushEvery are shortened in tests.
	idlePoll   time.Duration
	poll       time.Duration
	flushEvery time.Duration

	mu       sync.Mutex
	lanes    map[string]*sync.Mutex
	seen     map[string]struct{}
	active   int
	lastDone time.Time
}

// New returns a Session for cfg. Call Run to start consuming.
func New(b *bus.Bus, cfg config.Worker) *Session {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Session{
		bus:        b,
		cfg:        cfg,
		log:        slog.With("component", "session", "userId", cfg.UserID),
		sem:        make(chan struct{}, cfg.Concurrency),
		runAgent:   agent.Run,
		branch:     gitutil.CurrentBranch,
		now:        time.Now,
		idlePoll:   idlePollInterval,
		flushEvery: flushInterval,
		lanes:      make(map[string]*sync.Mutex),
		seen:       make(map[string]struct{}),
	}
}

// Run processes the bootstrap message, then consumes the user queue (and,
// in direct mode, the global messages queue filtered by user) until ctx
// is cancelled or the session idles out. A nil return is a clean exit.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.lastDone = s.now()
	s.mu.Unlock()

	if msg := s.bootstrapMessage(); msg != nil {
		s.log.Info("processing bootstrap message",
			"messageId", msg.MessageID, "threadId", msg.ThreadID)
		if err := s.process(ctx, msg); err != nil {
			return err
		}
		s.markBootstrapped(msg.MessageID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []bus.WorkOption{bus.WithBatchSize(s.cfg.Concurrency)}
	if s.poll > 0 {
		opts = append(opts, bus.WithPollInterval(s.poll))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.bus.Work(gctx, frames.UserQueue(s.cfg.UserID), s.handle, opts...)
	})
	if s.cfg.DirectConsume {
		g.Go(func() error {
			direct := append([]bus.WorkOption{bus.WithGroupFilter(s.cfg.UserID)}, opts...)
			return s.bus.Work(gctx, frames.QueueMessages, s.handle, direct...)
		})
	}
	g.Go(func() error {
		s.idleLoop(gctx, cancel)
		return nil
	})
	return g.Wait()
}

// bootstrapMessage synthesizes the InboundMessage the deployment was
// created with. Nil when no initial prompt is configured or the
// workspace already answered it.
func (s *Session) bootstrapMessage() *frames.InboundMessage {
	init := s.cfg.Initial
	if init.MessageText == "" {
		return nil
	}
	if marker, err := os.ReadFile(s.markerPath()); err == nil &&
		strings.TrimSpace(string(marker)) == init.MessageID {
		s.log.Info("bootstrap message already answered", "messageId", init.MessageID)
		return nil
	}
	return &frames.InboundMessage{
		UserID:            s.cfg.UserID,
		ThreadID:          init.ThreadID,
		ChannelID:         init.ChannelID,
		MessageID:         init.MessageID,
		MessageText:       init.MessageText,
		OriginalMessageTS: init.OriginalMessageTS,
		PlaceholderTS:     init.PlaceholderTS,
	}
}

func (s *Session) markerPath() string {
	return filepath.Join(s.cfg.Workspace, bootstrapMarker)
}

// markBootstrapped is best effort: on an ephemeral volume the marker dies
// with the pod, and the seen map still covers the forwarded copy of the
// bootstrap message within this session.
func (s *Session) markBootstrapped(messageID string) {
	if err := os.WriteFile(s.markerPath(), []byte(messageID+"\n"), 0o644); err != nil {
		s.log.Warn("bootstrap marker write failed", "path", s.markerPath(), "error", err)
	}
}

// handle is the bus consumer entry for both queues.
func (s *Session) handle(ctx context.Context, job *bus.Job) error {
	var msg frames.InboundMessage
	if err := json.Unmarshal(job.Data, &msg); err != nil {
		s.log.Error("malformed inbound message dropped", "job_id", job.ID, "error", err)
		return nil
	}
	if s.alreadySeen(msg.SingletonKey()) {
		s.log.Debug("message already handled this session", "messageId", msg.MessageID)
		return nil
	}
	return s.process(ctx, &msg)
}

// process runs one message end to end and records it as handled. A
// ctx error before the agent starts reschedules the job instead of
// consuming it, so shutdown never eats unstarted work.
func (s *Session) process(ctx context.Context, msg *frames.InboundMessage) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.lastDone = s.now()
		s.mu.Unlock()
	}()

	lane := s.lane(msg.ThreadID)
	lane.Lock()
	defer lane.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.runJob(ctx, msg)
	s.remember(msg.SingletonKey())
	return nil
}

// runJob drives one agent invocation: thinking frame, coalesced progress
// frames while the agent streams, one terminal frame at the end. Agent
// failures end in an error frame, never a job retry; re-running the
// agent on the same prompt would not make it succeed.
func (s *Session) runJob(ctx context.Context, msg *frames.InboundMessage) {
	log := s.log.With("threadId", msg.ThreadID, "messageId", msg.MessageID)
	branch := s.branch(s.cfg.Workspace)

	// The thinking frame goes out synchronously so it always beats the
	// agent's first output; everything after is coalesced.
	em := newEmitter(s.bus, log, s.flushEvery)
	em.publish(s.frame(msg, branch, thinkingText))
	em.flush(ctx)

	emCtx, emCancel := context.WithCancel(ctx)
	var emDone sync.WaitGroup
	emDone.Add(1)
	go func() {
		defer emDone.Done()
		em.run(emCtx)
	}()

	jobCtx := ctx
	jobCancel := context.CancelFunc(func() {})
	if s.cfg.JobTimeout > 0 {
		jobCtx, jobCancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
	}
	defer jobCancel()

	started := s.now()
	transcript, err := s.runAgent(jobCtx, s.agentOptions(msg), msg.MessageText, func(content string) {
		em.publish(s.frame(msg, branch, content))
	})

	emCancel()
	emDone.Wait()

	// The branch may have changed while the agent worked; the terminal
	// frame carries the fresh one so the Edit button links correctly.
	terminal := s.frame(msg, s.branch(s.cfg.Workspace), "")
	terminal.IsDone = true
	elapsed := s.now().Sub(started).Round(time.Millisecond)

	switch {
	case err == nil:
		terminal.Content = transcript
		metrics.AgentRuns.WithLabelValues("ok").Inc()
		log.Info("agent finished", "duration", elapsed)
	case jobCtx != ctx && errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		terminal.Error = timedOutText
		metrics.AgentRuns.WithLabelValues("timeout").Inc()
		log.Error("agent timed out", "timeout", s.cfg.JobTimeout)
	case ctx.Err() != nil:
		terminal.Error = interruptedText
		metrics.AgentRuns.WithLabelValues("interrupted").Inc()
		log.Warn("agent interrupted by shutdown", "error", err)
	case errors.Is(err, agent.ErrSpawn):
		terminal.Error = spawnFailedText
		metrics.AgentRuns.WithLabelValues("spawn_failed").Inc()
		log.Error("agent spawn failed", "error", err)
	default:
		terminal.Error = crashedText
		metrics.AgentRuns.WithLabelValues("crashed").Inc()
		log.Error("agent crashed", "duration", elapsed, "error", err)
	}
	s.sendFrame(ctx, &terminal)
}

// agentOptions folds per-message overrides over the configured defaults.
func (s *Session) agentOptions(msg *frames.InboundMessage) agent.Options {
	opts := agent.Options{
		Binary:         s.cfg.Agent.Binary,
		Args:           s.cfg.Agent.Args,
		WorkingDir:     s.cfg.Workspace,
		Model:          s.cfg.Agent.Model,
		PermissionMode: s.cfg.Agent.PermissionMode,
		Effort:         s.cfg.Agent.Effort,
	}
	if ao := msg.AgentOptions; ao != nil {
		if ao.Model != "" {
			opts.Model = ao.Model
		}
		if ao.PermissionMode != "" {
			opts.PermissionMode = ao.PermissionMode
		}
		if ao.Effort != "" {
			opts.Effort = ao.Effort
		}
	}
	return opts
}

// frame builds a progress frame addressed at the message's placeholder.
func (s *Session) frame(msg *frames.InboundMessage, branch, content string) frames.ProgressFrame {
	return frames.ProgressFrame{
		MessageID:         msg.MessageID,
		ChannelID:         msg.ChannelID,
		ThreadTS:          msg.PlaceholderTS,
		UserID:            msg.UserID,
		Content:           content,
		OriginalMessageTS: msg.OriginalMessageTS,
		GitBranch:         branch,
	}
}

// sendFrame publishes a terminal frame. The send survives ctx
// cancellation so shutdown still reports in-flight jobs.
func (s *Session) sendFrame(ctx context.Context, f *frames.ProgressFrame) {
	f.Stamp(s.now())
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), frameSendTimeout)
	defer cancel()

	if _, err := s.bus.Send(sendCtx, frames.QueueThreadResponse, f); err != nil {
		metrics.FramesDropped.Inc()
		s.log.Error("terminal frame dropped", "key", f.Key(), "error", err)
		return
	}
	metrics.FramesEmitted.Inc()
}

// idleLoop cancels the session once no job has finished for the
// configured timeout and nothing is queued. A zero timeout disables
// idle exit; the orchestrator's scale-down remains authoritative.
func (s *Session) idleLoop(ctx context.Context, cancel context.CancelFunc) {
	if s.cfg.SessionTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.idlePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.idle() {
			continue
		}
		empty, err := s.queuesEmpty(ctx)
		if err != nil {
			s.log.Warn("idle queue check failed", "error", err)
			continue
		}
		if !empty {
			continue
		}
		s.log.Info("session idle, exiting", "timeout", s.cfg.SessionTimeout)
		cancel()
		return
	}
}

func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == 0 && s.now().Sub(s.lastDone) > s.cfg.SessionTimeout
}

func (s *Session) queuesEmpty(ctx context.Context) (bool, error) {
	n, err := s.bus.QueueSize(ctx, frames.UserQueue(s.cfg.UserID))
	if err != nil || n > 0 {
		return false, err
	}
	if s.cfg.DirectConsume {
		n, err = s.bus.QueueSize(ctx, frames.QueueMessages)
		if err != nil || n > 0 {
			return false, err
		}
	}
	return true, nil
}

func (s *Session) lane(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.lanes[threadID]
	if !ok {
		m = &sync.Mutex{}
		s.lanes[threadID] = m
	}
	return m
}

func (s *Session) alreadySeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

func (s *Session) remember(key string) {
	s.mu.Lock()
	s.seen[key] = struct{}{}
	s.mu.Unlock()
}
