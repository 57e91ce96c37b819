package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"

	"hookrelay/internal/event"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTimeout bounds one outbound call.
const DefaultTimeout = 5 * time.Second

// UserAgent identifies the product to the sink.
var UserAgent = "DiscordBot (hookrelay, dev)"

// Config configures a Client. Zero values take defaults.
type Config struct {
	Timeout  time.Duration
	Username string // fallback label when no source is known
	HTTP     *http.Client
}

// Client performs one bounded POST per Deliver call and classifies the
// response. It is safe for concurrent use.
type Client struct {
	http     *http.Client
	timeout  time.Duration
	username string
}

func New(cfg Config) *Client {
	hc := cfg.HTTP
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: hc, timeout: timeout, username: cfg.Username}
}

type rateLimitBody struct {
	RetryAfter *float64 `json:"retry_after"`
	Global     *bool    `json:"global"`
	Message    string   `json:"message"`
}

// Deliver posts batch to dest.
//
// It never panics on sink behavior: transport failures, timeouts and bad
// bodies all come back as errors. Rate-limit headers are parsed on every
// response, including failures.
//
// Error classes: *RateLimitError (429), ErrWebhookNotFound (404),
// *StatusError (other non-2xx), anything else is a transport failure.
func (c *Client) Deliver(ctx context.Context, dest string, batch []event.Message) (Limits, error) {
	if len(batch) == 0 {
		return Limits{}, ErrEmptyBatch
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := json.Marshal(BuildPayload(batch, c.username))
	if err != nil {
		return Limits{}, fmt.Errorf("webhook: encode payload: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return Limits{}, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Limits{}, fmt.Errorf("webhook: request timed out after %s: %w", c.timeout, context.DeadlineExceeded)
		}
		return Limits{}, fmt.Errorf("webhook: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	limits := ParseLimits(resp.Header)
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return limits, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return limits, rateLimited(limits, raw)
	case resp.StatusCode == http.StatusNotFound:
		return limits, ErrWebhookNotFound
	}

	reason := http.StatusText(resp.StatusCode)
	if readErr == nil {
		if msg := bodyMessage(raw); msg != "" {
			reason = msg
		}
	}
	return limits, &StatusError{Code: resp.StatusCode, Reason: reason}
}

// rateLimited prefers the body's retry_after, then the retry-after header,
// then x-ratelimit-reset-after. No hint means 0.
func rateLimited(l Limits, raw []byte) *RateLimitError {
	e := &RateLimitError{Global: l.Global, Bucket: l.Bucket}
	var b rateLimitBody
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &b) == nil {
		if b.RetryAfter != nil && *b.RetryAfter > 0 {
			e.RetryAfter = secondsToDuration(*b.RetryAfter)
		}
		if b.Global != nil {
			e.Global = *b.Global
		}
	}
	if e.RetryAfter == 0 {
		e.RetryAfter = l.RetryAfter
	}
	if e.RetryAfter == 0 {
		e.RetryAfter = l.ResetAfter
	}
	return e
}

func bodyMessage(raw []byte) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var b rateLimitBody
	if json.Unmarshal(raw, &b) == nil && strings.TrimSpace(b.Message) != "" {
		return clip(strings.TrimSpace(b.Message), maxReasonRunes)
	}
	return clip(strings.TrimSpace(string(raw)), maxReasonRunes)
}

// maxReasonRunes bounds StatusError.Reason.
const maxReasonRunes = 200

// clip keeps s within max runes, ending in "..." when cut.
func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max-3 {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
