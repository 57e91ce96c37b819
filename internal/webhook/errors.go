package webhook

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrWebhookNotFound means the sink confirmed the webhook no longer exists.
	// It is permanent: nothing sent to the same address can ever succeed.
	ErrWebhookNotFound = errors.New("webhook not found")

	ErrEmptyBatch = errors.New("webhook: empty batch")
)

// RateLimitError is returned for HTTP 429 responses.
//
// RetryAfter is the server-declared wait (0 when the sink did not say).
// Global distinguishes a sink-wide limit from a per-route bucket.
type RateLimitError struct {
	RetryAfter time.Duration
	Global     bool
	Bucket     string
}

func (e *RateLimitError) Error() string {
	scope := "route"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("webhook rate limited (%s) retry after %s", scope, e.RetryAfter)
}

// StatusError is any non-success status that is neither 429 nor 404.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("webhook returned status %d", e.Code)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.Code, e.Reason)
}

// IsRateLimited reports whether err is (or wraps) a RateLimitError.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsPermanent reports whether err means the destination is gone for good.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrWebhookNotFound)
}
