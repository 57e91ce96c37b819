package dispatch

import (
	"strings"

	"hookrelay/internal/event"
	logx "hookrelay/pkg/logx"
)

const ellipsis = "..."

// truncate keeps the first max-3 runes of s followed by an ellipsis.
// Callers check that s is longer than max.
func truncate(s string, max int) string {
	keep := max - len(ellipsis)
	n := 0
	for i := range s {
		if n == keep {
			return s[:i] + ellipsis
		}
		n++
	}
	return s
}

func (q *Queue) truncateLocked(m event.Message) event.Message {
	n := m.Len()
	if n <= MaxChars {
		return m
	}
	m.Description = truncate(m.Description, MaxChars)
	q.stats.Truncated++
	q.log.Warn("description exceeds sink limit; truncated",
		logx.String("source", m.Source),
		logx.Int("chars", n),
		logx.Int("max", MaxChars),
	)
	q.publish(EventTruncated, DeliveryEvent{Count: 1, Reason: "too_long"})
	return m
}

// bufferLocked appends m to the coalescing buffer. The joined buffer never
// exceeds MaxChars including one separator per additional message.
func (q *Queue) bufferLocked(m event.Message) error {
	n := m.Len()
	if len(q.buffer) > 0 && q.bufferChars+len(q.buffer)+n > MaxChars {
		if err := q.flushLocked(); err != nil {
			q.log.Warn("flush before append failed", logx.Err(err))
		}
	}

	q.buffer = append(q.buffer, m)
	q.bufferChars += n

	if len(q.buffer) >= q.cfg.MaxBuffered || q.bufferChars+len(q.buffer)-1 >= MaxChars {
		return q.flushLocked()
	}
	q.armWindowLocked()
	return nil
}

// flushLocked combines the buffer into one message and queues it.
func (q *Queue) flushLocked() error {
	q.stopWindowLocked()
	if len(q.buffer) == 0 {
		return nil
	}

	combined := q.buffer[0]
	if len(q.buffer) > 1 {
		parts := make([]string, len(q.buffer))
		for i, m := range q.buffer {
			parts[i] = m.Description
		}
		combined.Description = strings.Join(parts, "\n")
	}
	count := len(q.buffer)

	q.buffer = q.buffer[:0]
	q.bufferChars = 0
	q.stats.Flushes++

	q.log.Debug("buffer flushed", logx.Int("messages", count), logx.Int("chars", combined.Len()))
	return q.pushLocked(newEnvelope(combined))
}

// armWindowLocked (re)starts the single window timer.
func (q *Queue) armWindowLocked() {
	if q.shutdown {
		return
	}
	q.stopWindowLocked()
	gen := q.windowGen
	q.windowTimer = q.clock.AfterFunc(q.cfg.BufferWindow, func() { q.onWindow(gen) })
}

func (q *Queue) stopWindowLocked() {
	q.windowGen++
	if q.windowTimer != nil {
		q.windowTimer.Stop()
		q.windowTimer = nil
	}
}

func (q *Queue) onWindow(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.windowGen {
		return
	}
	q.windowTimer = nil
	_ = q.flushLocked()
}
