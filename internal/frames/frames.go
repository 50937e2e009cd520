// Package frames defines the payloads carried on the bus between the
// dispatcher, orchestrator, worker sessions and the response consumer,
// plus the naming rules that tie a user to their queue and deployment.
package frames

import (
	"fmt"
	"time"

	"github.com/chatwright/chatwright/internal/util/sanitize"
)

// Queue names. QueueMessages and QueueThreadResponse are global; each
// user additionally owns a dedicated queue (UserQueue).
const (
	QueueMessages       = "messages"
	QueueThreadResponse = "thread_response"
)

// InboundMessage is a user utterance lifted onto the bus by the
// dispatcher. PlaceholderTS identifies the reply message the worker
// streams into; OriginalMessageTS identifies the user's message for
// reaction updates.
type InboundMessage struct {
	UserID            string            `json:"userId"`
	ThreadID          string            `json:"threadId"`
	ChannelID         string            `json:"channelId"`
	MessageID         string            `json:"messageId"`
	MessageText       string            `json:"messageText"`
	OriginalMessageTS string            `json:"originalMessageTs"`
	PlaceholderTS     string            `json:"placeholderTs"`
	PlatformMetadata  map[string]string `json:"platformMetadata,omitempty"`
	AgentOptions      *AgentOptions     `json:"agentOptions,omitempty"`
}

// AgentOptions are passed through to the agent subprocess invocation.
type AgentOptions struct {
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	Effort         string `json:"effort,omitempty"`
}

// SingletonKey returns the dedupe key for this message. Re-delivered
// chat events resolve to the same key and therefore the same job.
func (m *InboundMessage) SingletonKey() string {
	return fmt.Sprintf("message-%s-%s-%s", m.UserID, m.ThreadID, m.MessageID)
}

// ProgressFrame is an incremental or terminal response from a worker.
// Frames for one (ChannelID, ThreadTS) are applied in Timestamp order.
type ProgressFrame struct {
	MessageID         string `json:"messageId"`
	ChannelID         string `json:"channelId"`
	ThreadTS          string `json:"threadTs"`
	UserID            string `json:"userId"`
	Content           string `json:"content,omitempty"`
	Error             string `json:"error,omitempty"`
	IsDone            bool   `json:"isDone"`
	Timestamp         int64  `json:"timestamp"` // unix milliseconds
	OriginalMessageTS string `json:"originalMessageTs,omitempty"`
	GitBranch         string `json:"gitBranch,omitempty"`
}

// Key identifies the chat message this frame edits.
func (f *ProgressFrame) Key() string {
	return f.ChannelID + "/" + f.ThreadTS
}

// Stamp sets Timestamp from t if unset.
func (f *ProgressFrame) Stamp(t time.Time) {
	if f.Timestamp == 0 {
		f.Timestamp = t.UnixMilli()
	}
}

// UserQueue returns the dedicated queue name for a user.
func UserQueue(userID string) string {
	return fmt.Sprintf("user_%s_queue", sanitize.Ident(userID))
}

// DeploymentName returns the workload object name for a user's worker.
func DeploymentName(userID string) string {
	return fmt.Sprintf("worker-%s", sanitize.Ident(userID))
}
