// Package gateway provides a reusable gateway server that can be
// embedded in other binaries (e.g. the standalone all-in-one binary).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/chatwright/chatwright/internal/bus"
	"github.com/chatwright/chatwright/internal/chat"
	"github.com/chatwright/chatwright/internal/chat/events"
	"github.com/chatwright/chatwright/internal/config"
	"github.com/chatwright/chatwright/internal/gateway/dispatch"
	"github.com/chatwright/chatwright/internal/gateway/respond"
	"github.com/chatwright/chatwright/internal/logging"
	"github.com/chatwright/chatwright/internal/metrics"
)

// Server is a reusable gateway instance: events intake, dispatcher and
// response consumer sharing one bus connection.
type Server struct {
	cfg      *config.Gateway
	bus      *bus.Bus
	consumer *respond.Consumer
	socket   *events.SocketSource
	server   *http.Server
}

// NewServer wires a gateway from cfg. It opens the bus, builds the chat
// client, dispatcher and response consumer, and mounts the HTTP surface.
// Call Serve to start listening.
func NewServer(cfg *config.Gateway) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	b, err := bus.Open(cfg.Bus.URL)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}

	chatc := chat.NewHTTPClient(cfg.Chat.BaseURL, cfg.Chat.Token)
	dispatcher := dispatch.New(b, chatc, dispatch.Config{Allowlist: cfg.Allowlist})
	consumer := respond.New(b, chatc, respond.Config{RepoLinks: cfg.Repo.Links})

	mux := http.NewServeMux()

	var socket *events.SocketSource
	if cfg.Chat.Events == "socket" {
		socket = events.NewSocketSource(cfg.Chat.SocketURL, cfg.Chat.SocketToken, dispatcher.Handle)
	} else {
		mux.Handle("/events", events.NewHTTPSource(cfg.Chat.SigningSecret, dispatcher.Handle))
	}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthz(b))

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	return &Server{
		cfg:      cfg,
		bus:      b,
		consumer: consumer,
		socket:   socket,
		server: &http.Server{
			Handler:           h2cHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Bus exposes the gateway's bus connection for co-located components
// (the standalone binary runs bus maintenance through it).
func (s *Server) Bus() *bus.Bus {
	return s.bus
}

// Serve starts the listener and the consumers. It blocks until ctx is
// cancelled, then shuts down in order: stop event intake, drain the
// response consumer, close the bus.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.bus.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	// Intake and the response consumer stop at different points of the
	// shutdown sequence, so each runs under its own context.
	intakeCtx, stopIntake := context.WithCancel(context.Background())
	defer stopIntake()
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	var intake sync.WaitGroup
	if s.socket != nil {
		intake.Add(1)
		go func() {
			defer intake.Done()
			s.socket.Run(intakeCtx)
		}()
	}

	consumerDone := make(chan error, 1)
	go func() { consumerDone <- s.consumer.Run(consumerCtx) }()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("gateway shutting down...")

		// 1. Stop taking events: close the socket, drain in-flight
		//    HTTP deliveries.
		stopIntake()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		intake.Wait()

		// 2. Stop the response consumer; in-flight frames finish first.
		stopConsumer()

		close(shutdownDone)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	slog.Info("gateway listening", "addr", s.cfg.Addr, "events", s.cfg.Chat.Events)

	if err := <-errCh; err != http.ErrServerClosed {
		stopIntake()
		stopConsumer()
		<-consumerDone
		_ = s.bus.Close()
		return fmt.Errorf("serve: %w", err)
	}

	// 3. Wait for the shutdown goroutine, then close the bus.
	<-shutdownDone
	err = <-consumerDone
	_ = s.bus.Close()
	if err != nil {
		return fmt.Errorf("response consumer: %w", err)
	}
	return nil
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
