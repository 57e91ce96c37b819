package dispatch

import "time"

// breaker is a one-way flag: once tripped it stays tripped for the life of
// the process.
type breaker struct {
	tripped   bool
	trippedAt time.Time
}

func (b *breaker) trip(now time.Time) bool {
	if b.tripped {
		return false
	}
	b.tripped = true
	b.trippedAt = now
	return true
}
