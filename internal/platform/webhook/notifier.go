// Package webhook notifies downstream record systems when a voice session
// reaches a terminal state. Each delivery is a signed JSON POST; receivers
// fetch the note itself through the API.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicdoc/voicedoc/internal/platform/auth"
	"github.com/clinicdoc/voicedoc/internal/platform/websocket"
)

// Event types.
const (
	EventSessionClosed  = "voice.session.closed"
	EventSessionErrored = "voice.session.errored"
)

const (
	queueSize  = 256
	logSize    = 200
	bodyLimit  = 1024
	sigHeader  = "X-Webhook-Signature"
	idHeader   = "X-Webhook-ID"
	timeHeader = "X-Webhook-Timestamp"
)

// Event is the delivered payload.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DeliveryAttempt records one endpoint's outcome for one event, after
// retries.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	EventID      string        `json:"event_id"`
	EventType    string        `json:"event_type"`
	SessionID    string        `json:"session_id"`
	URL          string        `json:"url"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration_ns"`
	Status       string        `json:"status"` // "success" or "failed"
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SignPayload computes the hex HMAC-SHA256 of payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload
// under secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Config configures a Notifier.
type Config struct {
	URLs         []string
	Secret       string
	Timeout      time.Duration
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// ParseURLs splits a comma-separated list and validates each entry.
func ParseURLs(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid webhook URL %q", raw)
		}
		out = append(out, raw)
	}
	return out, nil
}

// Notifier forwards terminal session states to the configured endpoints.
// It satisfies the session manager's live feed and never blocks it:
// deliveries run on a single background worker, and events are dropped
// with a warning when the queue is full.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	queue  chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	log    []*DeliveryAttempt
}

// NewNotifier starts the delivery worker.
func NewNotifier(cfg Config, logger zerolog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "webhook").Logger(),
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// Publish implements the live feed. Only terminal state changes are
// delivered.
func (n *Notifier) Publish(_ context.Context, ev websocket.Event) error {
	if ev.Type != "state" {
		return nil
	}
	var st struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(ev.Data, &st); err != nil {
		return nil
	}
	var kind string
	switch st.State {
	case "closed":
		kind = EventSessionClosed
	case "errored":
		kind = EventSessionErrored
	default:
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	select {
	case n.queue <- Event{ID: uuid.NewString(), Type: kind, SessionID: ev.SessionID, Timestamp: ev.Timestamp, Data: ev.Data}:
	default:
		n.logger.Warn().Str("session_id", ev.SessionID).Str("event", kind).Msg("webhook queue full, event dropped")
	}
	return nil
}

// CloseTopic implements the live feed.
func (n *Notifier) CloseTopic(string) {}

// Close stops accepting events and waits for queued deliveries until ctx
// is done.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for ev := range n.queue {
		for _, u := range n.cfg.URLs {
			n.record(n.deliver(context.Background(), u, ev))
		}
	}
}

// deliver signs and posts ev to u, retrying transport errors and 5xx/429
// responses with exponential backoff.
func (n *Notifier) deliver(ctx context.Context, u string, ev Event) *DeliveryAttempt {
	payload, _ := json.Marshal(ev)
	sig := SignPayload(payload, n.cfg.Secret)
	attempt := &DeliveryAttempt{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		EventType: ev.Type,
		SessionID: ev.SessionID,
		URL:       u,
		CreatedAt: time.Now().UTC(),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.cfg.RetryInitial
	bo.MaxInterval = n.cfg.RetryMax
	bo.MaxElapsedTime = 0

	start := time.Now()
	op := func() error {
		attempt.Attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(sigHeader, "sha256="+sig)
		req.Header.Set(idHeader, ev.ID)
		req.Header.Set(timeHeader, ev.Timestamp.UTC().Format(time.RFC3339))

		resp, err := n.client.Do(req)
		if err != nil {
			attempt.StatusCode = 0
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
		attempt.StatusCode = resp.StatusCode
		attempt.ResponseBody = string(body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("non-2xx response: %d", resp.StatusCode))
		}
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(n.cfg.MaxRetries)), ctx))
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		n.logger.Error().Err(err).Str("url", u).Str("session_id", ev.SessionID).
			Int("attempts", attempt.Attempts).Msg("webhook delivery failed")
	} else {
		attempt.Status = "success"
		n.logger.Debug().Str("url", u).Str("session_id", ev.SessionID).Msg("webhook delivered")
	}
	return attempt
}

func (n *Notifier) record(a *DeliveryAttempt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = append(n.log, a)
	if len(n.log) > logSize {
		n.log = n.log[len(n.log)-logSize:]
	}
}

// Deliveries returns the most recent attempts, newest first.
func (n *Notifier) Deliveries() []*DeliveryAttempt {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*DeliveryAttempt, 0, len(n.log))
	for i := len(n.log) - 1; i >= 0; i-- {
		out = append(out, n.log[i])
	}
	return out
}

// RegisterRoutes exposes the delivery log to admins.
func (n *Notifier) RegisterRoutes(api *echo.Group) {
	api.GET("/voice/webhooks/deliveries", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"data": n.Deliveries()})
	}, auth.RequireRole("admin"))
}
