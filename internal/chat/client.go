// Package chat is a thin client for the chat platform's web API. It
// covers the four calls the response consumer needs and classifies API
// errors into validation, auth, and transient families so callers can
// decide between retrying and giving up.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatwright/chatwright/internal/metrics"
)

// Client is the surface the dispatcher and response consumer talk to.
// Post returns the timestamp of the created message, which doubles as
// its edit handle; a non-empty threadTS posts a threaded reply.
type Client interface {
	PostMessage(ctx context.Context, channel, threadTS, text string, blocks []Block) (ts string, err error)
	UpdateMessage(ctx context.Context, channel, ts, text string, blocks []Block) error
	AddReaction(ctx context.Context, channel, ts, name string) error
	RemoveReaction(ctx context.Context, channel, ts, name string) error
}

// HTTPClient talks to the platform's JSON-over-POST web API with a
// bearer token.
type HTTPClient struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *slog.Logger
}

// NewHTTPClient returns a client for the API rooted at baseURL. The
// token is sent as a bearer credential on every call.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     slog.With("component", "chat"),
	}
}

type postMessageReq struct {
	Channel  string  `json:"channel"`
	ThreadTS string  `json:"thread_ts,omitempty"`
	Text     string  `json:"text"`
	Blocks   []Block `json:"blocks,omitempty"`
}

type updateMessageReq struct {
	Channel string  `json:"channel"`
	TS      string  `json:"ts"`
	Text    string  `json:"text"`
	Blocks  []Block `json:"blocks,omitempty"`
}

type reactionReq struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

func (c *HTTPClient) PostMessage(ctx context.Context, channel, threadTS, text string, blocks []Block) (string, error) {
	resp, err := c.call(ctx, "chat.postMessage", postMessageReq{Channel: channel, ThreadTS: threadTS, Text: text, Blocks: blocks})
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

func (c *HTTPClient) UpdateMessage(ctx context.Context, channel, ts, text string, blocks []Block) error {
	_, err := c.call(ctx, "chat.update", updateMessageReq{Channel: channel, TS: ts, Text: text, Blocks: blocks})
	return err
}

func (c *HTTPClient) AddReaction(ctx context.Context, channel, ts, name string) error {
	_, err := c.call(ctx, "reactions.add", reactionReq{Channel: channel, Timestamp: ts, Name: name})
	return err
}

func (c *HTTPClient) RemoveReaction(ctx context.Context, channel, ts, name string) error {
	_, err := c.call(ctx, "reactions.remove", reactionReq{Channel: channel, Timestamp: ts, Name: name})
	return err
}

// call POSTs one API method and maps the outcome onto the error
// taxonomy. Tolerated errors (double ack, removing an absent reaction)
// come back as success.
func (c *HTTPClient) call(ctx context.Context, method string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		metrics.ChatCalls.WithLabelValues(method, "transient").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrTransient, method, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		metrics.ChatCalls.WithLabelValues(method, "transient").Inc()
		retryAfter := httpResp.Header.Get("Retry-After")
		c.log.Warn("chat API rate limited", "method", method, "retryAfter", retryAfter)
		return nil, fmt.Errorf("%w: %s: rate limited (retry after %s)", ErrTransient, method, retryAfter)
	case httpResp.StatusCode >= 500:
		metrics.ChatCalls.WithLabelValues(method, "transient").Inc()
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrTransient, method, httpResp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		metrics.ChatCalls.WithLabelValues(method, "transient").Inc()
		return nil, fmt.Errorf("%w: %s: read response: %v", ErrTransient, method, err)
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		metrics.ChatCalls.WithLabelValues(method, "transient").Inc()
		return nil, fmt.Errorf("%w: %s: decode response: %v", ErrTransient, method, err)
	}

	if !resp.OK {
		err := classifyAPIError(method, resp.Error)
		if err == nil {
			metrics.ChatCalls.WithLabelValues(method, "tolerated").Inc()
			return &resp, nil
		}
		metrics.ChatCalls.WithLabelValues(method, outcomeLabel(err)).Inc()
		return nil, err
	}

	metrics.ChatCalls.WithLabelValues(method, "ok").Inc()
	return &resp, nil
}
