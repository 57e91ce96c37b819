package dispatch

import "time"

// backoff is the single queue-wide "blocked until" deadline.
type backoff struct {
	blockedUntil time.Time
}

// engage blocks sending for d from now.
func (b *backoff) engage(now time.Time, d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	b.blockedUntil = now.Add(d)
	return b.blockedUntil
}

func (b *backoff) canSendNow(now time.Time) bool {
	return !now.Before(b.blockedUntil)
}

func (b *backoff) remaining(now time.Time) time.Duration {
	if b.canSendNow(now) {
		return 0
	}
	return b.blockedUntil.Sub(now)
}
