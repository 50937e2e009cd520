package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "8f742231b10e8888abcd99yyyzz85a5b"

// signBody produces the v0 signature for a body at the given timestamp.
func signBody(secret string, ts int64, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%d:%s", ts, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// postEvent sends a signed delivery to the source and returns the response.
func postEvent(t *testing.T, src *HTTPSource, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerSignature, signBody(testSecret, ts, body))
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	src.ServeHTTP(rec, req)
	return rec
}

func TestHTTPSourceDispatchesSignedEvent(t *testing.T) {
	t.Parallel()

	got := make(chan Event, 1)
	src := NewHTTPSource(testSecret, func(_ context.Context, ev Event) { got <- ev })

	body := `{"type":"event_callback","event":{"type":"message","user":"U1","channel":"C1","ts":"1700.1","thread_ts":"1699.9","text":"hi"}}`
	rec := postEvent(t, src, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case ev := <-got:
		assert.Equal(t, "message", ev.Type)
		assert.Equal(t, "U1", ev.UserID)
		assert.Equal(t, "C1", ev.ChannelID)
		assert.Equal(t, "1700.1", ev.TS)
		assert.Equal(t, "1699.9", ev.ThreadTS)
		assert.Equal(t, "hi", ev.Text)
		assert.Equal(t, 0, ev.Retry)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
}

func TestHTTPSourceSurfacesRetryHeader(t *testing.T) {
	t.Parallel()

	got := make(chan Event, 1)
	src := NewHTTPSource(testSecret, func(_ context.Context, ev Event) { got <- ev })

	body := `{"type":"event_callback","event":{"type":"message","user":"U1","channel":"C1","ts":"1700.1","text":"hi"}}`
	rec := postEvent(t, src, body, func(r *http.Request) {
		r.Header.Set(headerRetryNum, "2")
	})
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case ev := <-got:
		assert.Equal(t, 2, ev.Retry)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
}

func TestHTTPSourceRejectsBadSignature(t *testing.T) {
	t.Parallel()

	src := NewHTTPSource(testSecret, func(context.Context, Event) {
		t.Error("handler must not run for a rejected delivery")
	})

	body := `{"type":"event_callback","event":{"type":"message"}}`
	rec := postEvent(t, src, body, func(r *http.Request) {
		r.Header.Set(headerSignature, "v0=deadbeef")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTPSourceRejectsTamperedBody(t *testing.T) {
	t.Parallel()

	src := NewHTTPSource(testSecret, func(context.Context, Event) {
		t.Error("handler must not run for a rejected delivery")
	})

	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"type":"event_callback","tampered":true}`))
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerSignature, signBody(testSecret, ts, `{"type":"event_callback"}`))
	rec := httptest.NewRecorder()
	src.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTPSourceRejectsStaleTimestamp(t *testing.T) {
	t.Parallel()

	src := NewHTTPSource(testSecret, func(context.Context, Event) {
		t.Error("handler must not run for a rejected delivery")
	})
	src.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	body := `{"type":"event_callback","event":{"type":"message"}}`
	rec := postEvent(t, src, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTPSourceEchoesURLVerificationChallenge(t *testing.T) {
	t.Parallel()

	src := NewHTTPSource(testSecret, func(context.Context, Event) {
		t.Error("handler must not run for url_verification")
	})

	body := `{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`
	rec := postEvent(t, src, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P", resp["challenge"])
}

func TestHTTPSourceAcksUnknownEnvelopeTypes(t *testing.T) {
	t.Parallel()

	src := NewHTTPSource(testSecret, func(context.Context, Event) {
		t.Error("handler must not run for unknown envelope types")
	})

	rec := postEvent(t, src, `{"type":"app_rate_limited"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPSourceRejectsNonPost(t *testing.T) {
	t.Parallel()

	src := NewHTTPSource(testSecret, nil)
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	src.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
