// Package events receives inbound events from the chat platform and
// hands them to the dispatcher. Two interchangeable sources exist: an
// HTTP endpoint verified with the platform's signing secret, and a
// socket-mode websocket client for deployments without a public ingress.
package events

import "context"

// Event is one normalized inbound chat event. TS identifies the message;
// ThreadTS is set when the message is a threaded reply. BotID is non-empty
// for messages authored by bots, our own included.
type Event struct {
	Type      string `json:"type"`
	UserID    string `json:"user"`
	ChannelID string `json:"channel"`
	TS        string `json:"ts"`
	ThreadTS  string `json:"thread_ts,omitempty"`
	Text      string `json:"text"`
	BotID     string `json:"bot_id,omitempty"`

	// Retry is the platform's delivery attempt counter, zero on the
	// first delivery. The dispatcher uses it to spot redeliveries.
	Retry int `json:"-"`
}

// Handler consumes events from a source. Sources call it on their own
// goroutines; implementations own their synchronization.
type Handler func(ctx context.Context, ev Event)
