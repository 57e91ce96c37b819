package event

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies a notable upstream event.
type Kind string

const (
	KindLog     Kind = "log"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindRestart Kind = "restart"
	KindExit    Kind = "exit"
	KindStart   Kind = "start"
)

// Message is one notable event headed for a webhook sink.
//
// Description and Timestamp are optional: an empty Description renders as an
// empty line, a zero Timestamp means the producer did not know the time.
type Message struct {
	Source      string    `json:"source"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// Len returns the description length in characters (runes).
func (m Message) Len() int { return utf8.RuneCountInString(m.Description) }

// NormalizeKind maps free-form kind strings onto the known set.
// Unknown non-empty values are kept verbatim (lowercased).
func NormalizeKind(raw string) Kind {
	k := strings.ToLower(strings.TrimSpace(raw))
	switch k {
	case "":
		return KindLog
	case "err", "fatal", "panic", "critical":
		return KindError
	case "warn":
		return KindWarning
	case "restarted":
		return KindRestart
	case "exited", "stopped", "stop":
		return KindExit
	case "started":
		return KindStart
	}
	return Kind(k)
}
