package dispatch

import (
	"github.com/google/uuid"

	"hookrelay/internal/event"
)

// envelope wraps a message with its delivery attempts. It never leaves the
// package.
type envelope struct {
	id       string
	msg      event.Message
	attempts int
}

func newEnvelope(m event.Message) envelope {
	return envelope{id: uuid.NewString(), msg: m}
}

// fail records one failed delivery and reports whether the message may be
// retried.
func (e *envelope) fail() bool {
	e.attempts++
	return e.attempts <= MaxRetries
}

func messages(batch []envelope) []event.Message {
	out := make([]event.Message, len(batch))
	for i, e := range batch {
		out[i] = e.msg
	}
	return out
}

func ids(batch []envelope) []string {
	out := make([]string, len(batch))
	for i, e := range batch {
		out[i] = e.id
	}
	return out
}
