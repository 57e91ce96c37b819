package dispatch

import (
	"math"
	"time"
)

// maxTickInterval caps absurdly low configured rates.
const maxTickInterval = 24 * time.Hour

// Rate is the scheduler cadence derived once from config.
type Rate struct {
	Interval time.Duration `json:"interval"`
	PerTick  int           `json:"per_tick"`
}

// ComputeRate derives the tick cadence from the configured rate, capped by
// the sink ceiling (30 per 60s).
func ComputeRate(messages int, window time.Duration) Rate {
	ceiling := float64(SinkCeilingMessages) / SinkCeilingWindow.Seconds()
	safe := ceiling
	if messages > 0 && window > 0 {
		safe = math.Min(float64(messages)/window.Seconds(), ceiling)
	}
	if safe <= 0 {
		safe = ceiling
	}

	if safe < 1 {
		ms := math.Floor(1000 / safe)
		iv := time.Duration(ms) * time.Millisecond
		if ms >= float64(maxTickInterval/time.Millisecond) {
			iv = maxTickInterval
		}
		return Rate{Interval: iv, PerTick: 1}
	}
	iv := 100 * time.Millisecond
	per := int(math.Floor(safe * iv.Seconds()))
	if per < 1 {
		per = 1
	}
	return Rate{Interval: iv, PerTick: per}
}

// PerSecond is the effective send rate.
func (r Rate) PerSecond() float64 {
	if r.Interval <= 0 {
		return 0
	}
	return float64(r.PerTick) / r.Interval.Seconds()
}

// requestHistory is a sliding log of dispatch times. Diagnostic only.
type requestHistory struct {
	window time.Duration
	stamps []time.Time
}

func (h *requestHistory) add(t time.Time) { h.stamps = append(h.stamps, t) }

func (h *requestHistory) prune(now time.Time) {
	cut := 0
	for cut < len(h.stamps) && now.Sub(h.stamps[cut]) >= h.window {
		cut++
	}
	if cut > 0 {
		h.stamps = append(h.stamps[:0], h.stamps[cut:]...)
	}
}

func (h *requestHistory) len() int { return len(h.stamps) }

func (h *requestHistory) last() time.Time {
	if len(h.stamps) == 0 {
		return time.Time{}
	}
	return h.stamps[len(h.stamps)-1]
}
