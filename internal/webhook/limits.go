package webhook

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Limits is the rate-limit metadata the sink attaches to every response.
// Fields are zero when the corresponding header was absent or unparsable.
type Limits struct {
	Limit      int           `json:"limit,omitempty"`
	Remaining  int           `json:"remaining"`
	HasLimit   bool          `json:"has_limit"`
	ResetAt    time.Time     `json:"reset_at,omitempty"`
	ResetAfter time.Duration `json:"reset_after,omitempty"`
	Bucket     string        `json:"bucket,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Global     bool          `json:"global,omitempty"`
}

// ParseLimits reads x-ratelimit-* and retry-after headers.
func ParseLimits(h http.Header) Limits {
	var l Limits
	if v, ok := headerInt(h, "x-ratelimit-limit"); ok {
		l.Limit = v
		l.HasLimit = true
	}
	if v, ok := headerInt(h, "x-ratelimit-remaining"); ok {
		l.Remaining = v
	}
	if v, ok := headerSeconds(h, "x-ratelimit-reset"); ok && v > 0 {
		l.ResetAt = time.Unix(0, int64(v*float64(time.Second))).UTC()
	}
	if v, ok := headerSeconds(h, "x-ratelimit-reset-after"); ok {
		l.ResetAfter = secondsToDuration(v)
	}
	l.Bucket = strings.TrimSpace(h.Get("x-ratelimit-bucket"))
	if v, ok := headerSeconds(h, "retry-after"); ok {
		l.RetryAfter = secondsToDuration(v)
	}
	if strings.EqualFold(strings.TrimSpace(h.Get("x-ratelimit-global")), "true") ||
		strings.EqualFold(strings.TrimSpace(h.Get("x-ratelimit-scope")), "global") {
		l.Global = true
	}
	return l
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Seconds may be fractional ("1.337").
func headerSeconds(h http.Header, key string) (float64, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
