// Package reconcile keeps one worker deployment per active user: it
// consumes the global messages queue, provisions or wakes the user's
// deployment, forwards the message to the user's queue, and scales idle
// deployments back to zero on a periodic tick.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/chatwright/chatwright/internal/bus"
	"github.com/chatwright/chatwright/internal/frames"
	"github.com/chatwright/chatwright/internal/metrics"
	"github.com/chatwright/chatwright/internal/orchestrator/ratelimit"
	"github.com/chatwright/chatwright/internal/orchestrator/workload"
	"github.com/chatwright/chatwright/internal/util/sanitize"
)

const (
	// messageBatch bounds parallel message routing.
	messageBatch = 16
	// provisionAttempts bounds deployment creation retries per message.
	provisionAttempts = 3
)

// workerSelector scopes listing and orphan collection to our deployments.
var workerSelector = workload.AppLabelKey + "=" + workload.AppLabelValue

// Config carries the reconciler's knobs and the worker deployment
// template inputs.
type Config struct {
	GracePeriod       time.Duration
	ReconcileInterval time.Duration

	Image         string
	EnvFromSecret string
	ScratchGiB    int
	Preemptible   bool

	// WorkerBusURL is the bus DSN as reachable from worker pods.
	WorkerBusURL string

	// Repos maps userId to the repository URL the user's worker clones;
	// DefaultRepo applies when no mapping exists.
	Repos       map[string]string
	DefaultRepo string

	SessionTimeout time.Duration
}

// Reconciler routes inbound messages and converges worker deployments.
type Reconciler struct {
	bus      *bus.Bus
	workload workload.Client
	limiter  ratelimit.Limiter
	registry *Registry
	cfg      Config
	log      *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New returns a Reconciler. Call Run to start it.
func New(b *bus.Bus, wl workload.Client, limiter ratelimit.Limiter, cfg Config) *Reconciler {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	return &Reconciler{
		bus:      b,
		workload: wl,
		limiter:  limiter,
		registry: NewRegistry(),
		cfg:      cfg,
		log:      slog.With("component", "reconcile"),
		now:      time.Now,
	}
}

// Registry exposes the tracked workers; the admin API reads and deletes
// through it.
func (r *Reconciler) Registry() *Registry { return r.registry }

// Run rebuilds the registry from the live deployments, then consumes the
// messages queue and drives the reconcile tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild registry: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.bus.Work(ctx, frames.QueueMessages, r.handleMessage, bus.WithBatchSize(messageBatch))
	})
	g.Go(func() error {
		r.tickLoop(ctx)
		return nil
	})
	return g.Wait()
}

// rebuild restores registry state from the deployments that survived a
// restart. Discovered workers get a fresh lastMessageAt so they age out
// through the normal idle path.
func (r *Reconciler) rebuild(ctx context.Context) error {
	deps, err := r.workload.ListDeployments(ctx, workerSelector)
	if err != nil {
		return err
	}
	now := r.now()
	for _, dep := range deps {
		key := dep.Labels[workload.UserLabelKey]
		if key == "" {
			key = strings.TrimPrefix(dep.Name, "worker-")
		}
		state := StateScaledZero
		if dep.Replicas > 0 {
			state = StateProvisioning
			if dep.ReadyReplicas > 0 {
				state = StateActive
			}
		}
		r.registry.Put(UserWorker{
			Key:            key,
			UserID:         key,
			DeploymentName: dep.Name,
			State:          state,
			LastMessageAt:  now,
		})
	}
	r.log.Info("registry rebuilt", "workers", r.registry.Len())
	r.exportGauges()
	return nil
}

// handleMessage routes one InboundMessage: rate limit, ensure the user's
// deployment, forward to the user queue. Returning an error reschedules
// the job; rejections are acked with an error frame instead.
func (r *Reconciler) handleMessage(ctx context.Context, job *bus.Job) error {
	var msg frames.InboundMessage
	if err := json.Unmarshal(job.Data, &msg); err != nil {
		return fmt.Errorf("decode inbound message: %w", err)
	}
	if msg.UserID == "" {
		r.log.Warn("inbound message without user", "job_id", job.ID)
		return nil
	}

	res, err := r.limiter.Take(ctx, msg.UserID)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !res.Allowed {
		metrics.RateLimited.Inc()
		r.log.Info("message rate limited", "userId", msg.UserID, "retryAfter", res.RetryAfter)
		r.emitError(ctx, &msg, fmt.Sprintf(
			"You've hit the rate limit. Try again in %s.", res.RetryAfter.Round(time.Second)))
		return nil
	}

	ok, err := r.ensureWorker(ctx, &msg)
	if err != nil {
		return err
	}
	if !ok {
		// Provisioning gave up; the user already has an error frame.
		return nil
	}

	queue := frames.UserQueue(msg.UserID)
	if _, err := r.bus.Send(ctx, queue, &msg,
		bus.WithSingletonKey(msg.SingletonKey()),
		bus.WithGroupKey(msg.UserID)); err != nil {
		return fmt.Errorf("forward to %s: %w", queue, err)
	}
	r.log.Debug("message forwarded",
		"userId", msg.UserID, "threadId", msg.ThreadID, "messageId", msg.MessageID)
	return nil
}

// ensureWorker brings the user's deployment toward one replica and
// records the message's arrival. Returns false when provisioning failed
// terminally for this message.
func (r *Reconciler) ensureWorker(ctx context.Context, msg *frames.InboundMessage) (bool, error) {
	key := sanitize.Ident(msg.UserID)
	name := frames.DeploymentName(msg.UserID)

	unlock := r.registry.Acquire(key)
	defer unlock()

	now := r.now()
	w, tracked := r.registry.Get(key)

	touch := func(state State) {
		r.registry.Put(UserWorker{
			Key:               key,
			UserID:            msg.UserID,
			DeploymentName:    name,
			State:             state,
			LastMessageAt:     now,
			LastChannelID:     msg.ChannelID,
			LastPlaceholderTS: msg.PlaceholderTS,
		})
	}

	switch {
	case !tracked, w.State == StateFailed:
		if err := r.provision(ctx, r.deploymentSpec(msg)); err != nil {
			touch(StateFailed)
			r.exportGauges()
			r.log.Error("provisioning failed", "userId", msg.UserID, "deployment", name, "error", err)
			r.emitError(ctx, msg, "Could not start your worker. Please try again later.")
			return false, nil
		}
		metrics.Provisions.Inc()
		r.log.Info("worker provisioning", "userId", msg.UserID, "deployment", name)
		touch(StateProvisioning)

	case w.State == StateScaledZero:
		err := r.workload.ScaleDeployment(ctx, name, 1)
		if errors.Is(err, workload.ErrNotFound) {
			// Deployment removed out of band; recreate.
			if err := r.provision(ctx, r.deploymentSpec(msg)); err != nil {
				touch(StateFailed)
				r.exportGauges()
				r.emitError(ctx, msg, "Could not start your worker. Please try again later.")
				return false, nil
			}
			metrics.Provisions.Inc()
			touch(StateProvisioning)
			break
		}
		if err != nil {
			return false, fmt.Errorf("scale up %s: %w", name, err)
		}
		r.log.Info("worker woken", "userId", msg.UserID, "deployment", name)
		touch(StateActive)

	default:
		touch(w.State)
	}

	r.exportGauges()
	return true, nil
}

// provision creates the deployment, retrying transient failures a few
// times before giving up.
func (r *Reconciler) provision(ctx context.Context, spec workload.DeploymentSpec) error {
	bo := backoff.NewExponentialBackOff()
	var lastErr error
	for attempt := 1; attempt <= provisionAttempts; attempt++ {
		lastErr = r.workload.EnsureDeployment(ctx, spec)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == provisionAttempts {
			break
		}
		interval := bo.NextBackOff()
		r.log.Warn("deployment create failed, retrying",
			"name", spec.Name, "attempt", attempt, "backoff", interval, "error", lastErr)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(interval):
		}
	}
	return lastErr
}

// deploymentSpec renders the worker deployment for the user behind msg.
// The triggering message rides along as bootstrap environment.
func (r *Reconciler) deploymentSpec(msg *frames.InboundMessage) workload.DeploymentSpec {
	name := frames.DeploymentName(msg.UserID)
	env := map[string]string{
		"USER_ID":                     msg.UserID,
		"DEPLOYMENT_NAME":             name,
		"DATABASE_URL":                r.cfg.WorkerBusURL,
		"SESSION_TIMEOUT_MINUTES":     strconv.Itoa(int(r.cfg.SessionTimeout.Minutes())),
		"INITIAL_CHANNEL_ID":          msg.ChannelID,
		"INITIAL_THREAD_ID":           msg.ThreadID,
		"INITIAL_MESSAGE_ID":          msg.MessageID,
		"INITIAL_MESSAGE_TEXT":        msg.MessageText,
		"INITIAL_ORIGINAL_MESSAGE_TS": msg.OriginalMessageTS,
		"INITIAL_PLACEHOLDER_TS":      msg.PlaceholderTS,
	}
	repo := r.cfg.Repos[msg.UserID]
	if repo == "" {
		repo = r.cfg.DefaultRepo
	}
	if repo != "" {
		env["REPOSITORY_URL"] = repo
	}
	return workload.DeploymentSpec{
		Name:                  name,
		Labels:                map[string]string{workload.UserLabelKey: sanitize.Ident(msg.UserID)},
		Image:                 r.cfg.Image,
		Env:                   env,
		EnvFromSecret:         r.cfg.EnvFromSecret,
		ScratchVolumeGiB:      r.cfg.ScratchGiB,
		PreemptibleToleration: r.cfg.Preemptible,
		Replicas:              1,
	}
}

// tickLoop drives the periodic reconcile pass and, on a slower cadence,
// orphan collection.
func (r *Reconciler) tickLoop(ctx context.Context) {
	tick := time.NewTicker(r.cfg.ReconcileInterval)
	defer tick.Stop()
	orphans := time.NewTicker(r.cfg.GracePeriod)
	defer orphans.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			r.reconcileOnce(ctx)
		case <-orphans.C:
			r.collectOrphans(ctx)
		}
	}
}

// reconcileOnce advances every tracked worker one step: provisioning
// workers become active when a replica is ready, and active workers idle
// past the grace period scale to zero once their queue drains.
func (r *Reconciler) reconcileOnce(ctx context.Context) {
	for _, snap := range r.registry.List() {
		switch snap.State {
		case StateProvisioning:
			r.promoteIfReady(ctx, snap.Key)
		case StateActive:
			r.scaleDownIfIdle(ctx, snap.Key)
		}
	}
	r.exportGauges()
}

func (r *Reconciler) promoteIfReady(ctx context.Context, key string) {
	unlock := r.registry.Acquire(key)
	defer unlock()

	w, ok := r.registry.Get(key)
	if !ok || w.State != StateProvisioning {
		return
	}

	status, err := r.workload.GetDeployment(ctx, w.DeploymentName)
	if errors.Is(err, workload.ErrNotFound) {
		r.log.Warn("tracked deployment vanished", "deployment", w.DeploymentName)
		r.registry.Delete(key)
		return
	}
	if err != nil {
		r.log.Warn("deployment status check failed", "deployment", w.DeploymentName, "error", err)
		return
	}
	if status.ReadyReplicas >= 1 {
		r.registry.Update(key, func(u *UserWorker) { u.State = StateActive })
		r.log.Info("worker active", "userId", w.UserID, "deployment", w.DeploymentName)
	}
}

func (r *Reconciler) scaleDownIfIdle(ctx context.Context, key string) {
	unlock := r.registry.Acquire(key)
	defer unlock()

	w, ok := r.registry.Get(key)
	if !ok || w.State != StateActive {
		return
	}
	if r.now().Sub(w.LastMessageAt) <= r.cfg.GracePeriod {
		return
	}

	queue := frames.UserQueue(w.UserID)
	pending, err := r.bus.QueueSize(ctx, queue)
	if err != nil {
		r.log.Warn("queue size check failed", "queue", queue, "error", err)
		return
	}
	if pending > 0 {
		return
	}

	err = r.workload.ScaleDeployment(ctx, w.DeploymentName, 0)
	if errors.Is(err, workload.ErrNotFound) {
		r.registry.Delete(key)
		return
	}
	if err != nil {
		r.log.Warn("scale down failed", "deployment", w.DeploymentName, "error", err)
		return
	}
	r.registry.Update(key, func(u *UserWorker) { u.State = StateScaledZero })
	metrics.ScaleDowns.Inc()
	r.log.Info("worker scaled to zero", "userId", w.UserID, "deployment", w.DeploymentName)
}

// collectOrphans deletes worker deployments nothing tracks: old enough
// that any registry entry would have been rebuilt, with no queued work.
func (r *Reconciler) collectOrphans(ctx context.Context) {
	deps, err := r.workload.ListDeployments(ctx, workerSelector)
	if err != nil {
		r.log.Warn("orphan scan failed", "error", err)
		return
	}
	cutoff := r.now().Add(-2 * r.cfg.GracePeriod)
	for _, dep := range deps {
		key := dep.Labels[workload.UserLabelKey]
		if key == "" {
			key = strings.TrimPrefix(dep.Name, "worker-")
		}
		if dep.CreatedAt.After(cutoff) {
			continue
		}
		r.collectOrphan(ctx, key, dep.Name)
	}
}

// collectOrphan deletes one candidate under the key lock, so a message
// provisioning the same user cannot interleave.
func (r *Reconciler) collectOrphan(ctx context.Context, key, name string) {
	unlock := r.registry.Acquire(key)
	defer unlock()

	if _, tracked := r.registry.Get(key); tracked {
		return
	}
	pending, err := r.bus.QueueSize(ctx, frames.UserQueue(key))
	if err != nil || pending > 0 {
		return
	}
	if err := r.workload.DeleteDeployment(ctx, name); err != nil && !errors.Is(err, workload.ErrNotFound) {
		r.log.Warn("orphan delete failed", "deployment", name, "error", err)
		return
	}
	metrics.OrphansCollected.Inc()
	r.log.Info("orphan deployment collected", "deployment", name)
}

// emitError reports a routing failure into the user's thread.
func (r *Reconciler) emitError(ctx context.Context, msg *frames.InboundMessage, text string) {
	frame := frames.ProgressFrame{
		MessageID:         msg.MessageID,
		ChannelID:         msg.ChannelID,
		ThreadTS:          msg.PlaceholderTS,
		UserID:            msg.UserID,
		Error:             text,
		IsDone:            true,
		Timestamp:         r.now().UnixMilli(),
		OriginalMessageTS: msg.OriginalMessageTS,
	}
	if _, err := r.bus.Send(ctx, frames.QueueThreadResponse, &frame); err != nil {
		r.log.Error("emit error frame", "userId", msg.UserID, "error", err)
	}
}

func (r *Reconciler) exportGauges() {
	counts := r.registry.CountByState()
	for _, state := range []State{StateProvisioning, StateActive, StateScaledZero, StateFailed} {
		metrics.UserWorkers.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
