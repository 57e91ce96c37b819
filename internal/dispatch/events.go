package dispatch

import (
	"fmt"
	"hash/fnv"
	"time"

	"hookrelay/internal/eventbus"
)

// Event types published on the bus.
const (
	EventQueued    = "relay.queued"
	EventSent      = "relay.sent"
	EventRetry     = "relay.retry"
	EventDropped   = "relay.dropped"
	EventTruncated = "relay.truncated"
	EventBackoff   = "relay.backoff"
	EventInvalid   = "relay.invalid"
	EventRejected  = "relay.rejected"
)

// Drop reasons.
const (
	ReasonRetryCap  = "retry_cap"
	ReasonQueueFull = "queue_full"
	ReasonInvalid   = "sink_invalid"
	ReasonShutdown  = "shutdown"
)

// DeliveryEvent is the Data payload of every relay.* event.
type DeliveryEvent struct {
	Dest     string        `json:"dest"`
	Attempt  string        `json:"attempt,omitempty"`
	IDs      []string      `json:"ids,omitempty"`
	Count    int           `json:"count"`
	Attempts int           `json:"attempts,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// DestKey is a short stable identifier for a destination URL. Webhook URLs
// carry secrets, so logs and metrics use this instead.
func DestKey(dest string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(dest))
	return fmt.Sprintf("%016x", h.Sum64())
}

func (q *Queue) publish(typ string, ev DeliveryEvent) {
	if q.bus == nil {
		return
	}
	ev.Dest = q.key
	if ev.At.IsZero() {
		ev.At = q.clock.Now()
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
