package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chatwright/chatwright/internal/metrics"
)

// Signature headers on platform event deliveries.
const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Request-Timestamp"
	headerRetryNum  = "X-Retry-Num"
)

// maxSignatureSkew bounds how far a delivery's timestamp may drift from
// our clock before the request is rejected as a possible replay.
const maxSignatureSkew = 5 * time.Minute

const maxEventBody = 1 << 20

// HTTPSource verifies and decodes platform event deliveries POSTed to
// the gateway. The platform expects an acknowledgement within three
// seconds, so decoded events are dispatched on their own goroutine and
// the request is answered immediately.
type HTTPSource struct {
	signingSecret string
	handler       Handler
	log           *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewHTTPSource returns a source that checks deliveries against
// signingSecret and forwards decoded events to handler.
func NewHTTPSource(signingSecret string, handler Handler) *HTTPSource {
	return &HTTPSource{
		signingSecret: signingSecret,
		handler:       handler,
		log:           slog.With("component", "events"),
		now:           time.Now,
	}
}

// eventEnvelope is the outer delivery shape. url_verification carries a
// challenge to echo; event_callback wraps the actual event.
type eventEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	Event     json.RawMessage `json:"event"`
}

func (s *HTTPSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := verifySignature(s.signingSecret, r.Header.Get(headerTimestamp), r.Header.Get(headerSignature), body, s.now()); err != nil {
		s.log.Warn("rejected event delivery", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	switch env.Type {
	case "url_verification":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return

	case "event_callback":
		var ev Event
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			http.Error(w, "malformed event", http.StatusBadRequest)
			return
		}
		if retry := r.Header.Get(headerRetryNum); retry != "" {
			ev.Retry, _ = strconv.Atoi(retry)
		}
		metrics.EventsReceived.WithLabelValues(ev.Type).Inc()

		// Ack now, dispatch async. The handler deduplicates
		// redeliveries, so losing a dispatched event to a crash is
		// recovered by the platform's retry. The request context dies
		// with this handler, so the dispatch must not inherit its
		// cancellation.
		w.WriteHeader(http.StatusOK)
		go s.handler(context.WithoutCancel(r.Context()), ev)
		return

	default:
		// Unknown outer types are acked so the platform does not retry
		// them forever.
		w.WriteHeader(http.StatusOK)
	}
}

// verifySignature checks the v0 HMAC-SHA256 signature scheme: the hex
// digest of "v0:{timestamp}:{body}" keyed with the signing secret, with
// the delivery timestamp bounded to maxSignatureSkew of local time.
func verifySignature(secret, tsHeader, signature string, body []byte, now time.Time) error {
	if secret == "" {
		return errors.New("signing secret not configured")
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp header %q", tsHeader)
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSignatureSkew {
		return fmt.Errorf("timestamp skew %s exceeds %s", skew, maxSignatureSkew)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", tsHeader)
	mac.Write(body)
	want := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}
