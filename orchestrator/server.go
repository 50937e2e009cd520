// Package orchestrator provides the control-plane server: it routes
// inbound messages to per-user workers, converges their deployments and
// serves the admin API.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/chatwright/chatwright/internal/bus"
	"github.com/chatwright/chatwright/internal/config"
	"github.com/chatwright/chatwright/internal/logging"
	"github.com/chatwright/chatwright/internal/metrics"
	"github.com/chatwright/chatwright/internal/orchestrator/admin"
	"github.com/chatwright/chatwright/internal/orchestrator/ratelimit"
	"github.com/chatwright/chatwright/internal/orchestrator/reconcile"
	"github.com/chatwright/chatwright/internal/orchestrator/workload"
)

// limiterGCInterval paces the in-memory rate limiter's window sweep.
const limiterGCInterval = 5 * time.Minute

// Server is one orchestrator instance: the reconciler and its control
// loops plus the HTTP surface (health, metrics, admin).
type Server struct {
	cfg        *config.Orchestrator
	bus        *bus.Bus
	reconciler *reconcile.Reconciler

	// window is set only for the in-memory limiter; it needs a GC loop.
	window *ratelimit.Window

	server *http.Server
}

// NewServer wires an orchestrator from cfg: bus, workload client, rate
// limiter, reconciler and the HTTP surface. Call Serve to start.
func NewServer(cfg *config.Orchestrator) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	b, err := bus.Open(cfg.Bus.URL)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}

	var wl workload.Client
	if cfg.Workload.Kind == "kube" {
		wl, err = workload.NewKubeClient(workload.KubeConfig{
			APIServer: cfg.Workload.APIServer,
			TokenFile: cfg.Workload.TokenFile,
			CAFile:    cfg.Workload.CAFile,
			Namespace: cfg.Workload.Namespace,
		})
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("workload client: %w", err)
		}
	} else {
		// Bookkeeping-only workloads for environments without a real
		// orchestrator; deployments report ready immediately.
		wl = workload.NewMemory(true)
	}

	settings := ratelimit.NewSettings(cfg.RateLimit.Enabled, cfg.RateLimit.Max, cfg.RateLimit.Window)
	var (
		limiter ratelimit.Limiter
		window  *ratelimit.Window
	)
	if cfg.RateLimit.Store {
		limiter = ratelimit.NewStore(settings, b)
	} else {
		window = ratelimit.NewWindow(settings)
		limiter = window
	}

	workerBusURL := cfg.Workload.WorkerBusURL
	if workerBusURL == "" {
		workerBusURL = cfg.Bus.URL
	}

	rec := reconcile.New(b, wl, limiter, reconcile.Config{
		GracePeriod:       cfg.GracePeriod,
		ReconcileInterval: cfg.ReconcileInterval,
		Image:             cfg.Workload.Image,
		EnvFromSecret:     cfg.Workload.SecretName,
		ScratchGiB:        cfg.Workload.ScratchGiB,
		Preemptible:       cfg.Workload.Preemptible,
		WorkerBusURL:      workerBusURL,
		Repos:             cfg.Workload.Repos,
		DefaultRepo:       cfg.Workload.DefaultRepo,
		SessionTimeout:    cfg.Workload.SessionTimeout,
	})

	mux := http.NewServeMux()
	if cfg.Admin.TokenHash != "" {
		admin.New(rec.Registry(), wl, limiter, settings, cfg.Admin.TokenHash).Mount(mux)
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthz(b))

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	return &Server{
		cfg:        cfg,
		bus:        b,
		reconciler: rec,
		window:     window,
		server: &http.Server{
			Handler:           h2cHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Serve starts the control loops and the HTTP surface. It blocks until
// ctx is cancelled, then shuts down in order: drain HTTP, stop the
// control loops (in-flight routing finishes), close the bus.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.bus.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	// Control loops run under their own context so the HTTP surface
	// drains first during shutdown.
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return s.reconciler.Run(gctx) })
	g.Go(func() error {
		s.bus.Maintain(gctx, bus.DefaultMaintainInterval, bus.DefaultRetention)
		return nil
	})
	if s.window != nil {
		g.Go(func() error {
			s.window.RunGC(gctx, limiterGCInterval)
			return nil
		})
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- g.Wait() }()

	serveDone := make(chan error, 1)
	go func() { serveDone <- s.server.Serve(ln) }()

	slog.Info("orchestrator listening",
		"addr", s.cfg.Addr,
		"workload", s.cfg.Workload.Kind,
		"admin", s.cfg.Admin.TokenHash != "",
	)

	drainHTTP := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}

	var firstErr error
	select {
	case <-ctx.Done():
		slog.Info("orchestrator shutting down...")
		drainHTTP()
		stopLoops()
		if err := <-loopDone; err != nil {
			firstErr = fmt.Errorf("control loop: %w", err)
		}
		<-serveDone

	case err := <-loopDone:
		// The reconciler quit on its own (e.g. registry rebuild failed
		// at startup). Bring the HTTP surface down with it.
		drainHTTP()
		if err != nil {
			firstErr = fmt.Errorf("control loop: %w", err)
		}
		<-serveDone

	case err := <-serveDone:
		stopLoops()
		if err != nil && err != http.ErrServerClosed {
			firstErr = fmt.Errorf("serve: %w", err)
		}
		if lerr := <-loopDone; lerr != nil && firstErr == nil {
			firstErr = fmt.Errorf("control loop: %w", lerr)
		}
	}

	_ = s.bus.Close()
	return firstErr
}

// healthz reports readiness: the process is up and the bus answers.
func healthz(b *bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := b.Ping(ctx); err != nil {
			http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
