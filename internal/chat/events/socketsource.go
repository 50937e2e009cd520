package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/chatwright/chatwright/internal/metrics"
)

// SocketSource consumes events over the platform's socket mode: a
// websocket the gateway dials out to, for deployments without a public
// HTTPS ingress. Every event envelope must be acked by id or the
// platform redelivers it on the next connection.
type SocketSource struct {
	url     string
	token   string
	handler Handler
	log     *slog.Logger
}

// NewSocketSource returns a source that dials url with the app-level
// token and forwards decoded events to handler.
func NewSocketSource(url, token string, handler Handler) *SocketSource {
	return &SocketSource{
		url:     url,
		token:   token,
		handler: handler,
		log:     slog.With("component", "events"),
	}
}

// envelope is the socket-mode frame. hello opens a connection,
// events_api wraps one event delivery, disconnect asks us to reconnect.
type envelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

type envelopePayload struct {
	Event json.RawMessage `json:"event"`
	Retry int             `json:"retry_attempt"`
}

type envelopeAck struct {
	EnvelopeID string `json:"envelope_id"`
}

// connectFn is stubbed in tests.
type connectFn func(ctx context.Context) error

// Run connects and consumes events until ctx is cancelled, reconnecting
// with exponential backoff. A connection that stays healthy past
// resetThreshold resets the backoff.
func (s *SocketSource) Run(ctx context.Context) {
	s.run(ctx, s.connect, newDefaultBackoff(), resetThreshold)
}

func (s *SocketSource) run(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(start) >= threshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		s.log.Warn("socket disconnected, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// connect dials, waits for the hello frame, then reads envelopes until
// the connection drops or the platform requests a disconnect.
func (s *SocketSource) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Bearer " + s.token}},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxEventBody)

	env, err := s.readEnvelope(ctx, conn)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if env.Type != "hello" {
		return fmt.Errorf("expected hello, got %q", env.Type)
	}
	s.log.Info("socket connected", "url", s.url)

	for {
		env, err := s.readEnvelope(ctx, conn)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch env.Type {
		case "events_api":
			if err := s.ack(ctx, conn, env.EnvelopeID); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
			s.dispatch(ctx, env)

		case "disconnect":
			conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("platform requested disconnect: %s", env.Reason)

		default:
			// Pings and unknown frames need no action.
		}
	}
}

func (s *SocketSource) readEnvelope(ctx context.Context, conn *websocket.Conn) (*envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

func (s *SocketSource) ack(ctx context.Context, conn *websocket.Conn, envelopeID string) error {
	data, err := json.Marshal(envelopeAck{EnvelopeID: envelopeID})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *SocketSource) dispatch(ctx context.Context, env *envelope) {
	var payload envelopePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.log.Warn("malformed envelope payload", "envelope_id", env.EnvelopeID, "error", err)
		return
	}
	var ev Event
	if err := json.Unmarshal(payload.Event, &ev); err != nil {
		s.log.Warn("malformed event", "envelope_id", env.EnvelopeID, "error", err)
		return
	}
	ev.Retry = payload.Retry
	metrics.EventsReceived.WithLabelValues(ev.Type).Inc()
	go s.handler(ctx, ev)
}
