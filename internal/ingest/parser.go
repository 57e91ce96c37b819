package ingest

import (
	"bytes"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"hookrelay/internal/event"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSource names messages whose producer did not say who it is.
const DefaultSource = "hookrelay"

// Parser extracts messages from input lines.
//
// A line starting with '{' is decoded as a JSON object:
//
//	{"source":"api","kind":"error","description":"boom","timestamp":1700000000}
//
// timestamp may be unix seconds (possibly fractional) or an RFC 3339 string.
// Any other non-blank line is plain text: the whole line becomes the
// description and a leading severity word ("ERROR:", "[warn]") sets the kind.
type Parser struct {
	Source string // default source, DefaultSource when empty
	Now    func() time.Time
}

type wireMessage struct {
	Source      string              `json:"source"`
	Name        string              `json:"name"`
	Kind        string              `json:"kind"`
	Event       string              `json:"event"`
	Description *string             `json:"description"`
	Message     *string             `json:"message"`
	Timestamp   jsoniter.RawMessage `json:"timestamp"`
}

// ParseLine returns the message for one line. ok is false for blank lines.
func (p Parser) ParseLine(line []byte) (event.Message, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return event.Message{}, false, nil
	}
	if line[0] == '{' {
		var w wireMessage
		if err := json.Unmarshal(line, &w); err != nil {
			return event.Message{}, false, err
		}
		return p.fromWire(w), true, nil
	}
	return p.plain(string(line)), true, nil
}

// Decode parses a JSON body holding one object or an array of them.
func (p Parser) Decode(body []byte) ([]event.Message, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var ws []wireMessage
		if err := json.Unmarshal(body, &ws); err != nil {
			return nil, err
		}
		out := make([]event.Message, len(ws))
		for i, w := range ws {
			out[i] = p.fromWire(w)
		}
		return out, nil
	}
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, err
	}
	return []event.Message{p.fromWire(w)}, nil
}

func (p Parser) fromWire(w wireMessage) event.Message {
	m := event.Message{
		Source: firstNonEmpty(w.Source, w.Name, p.source()),
		Kind:   event.NormalizeKind(firstNonEmpty(w.Kind, w.Event)),
	}
	switch {
	case w.Description != nil:
		m.Description = *w.Description
	case w.Message != nil:
		m.Description = *w.Message
	}
	m.Timestamp = parseTimestamp(w.Timestamp)
	if m.Timestamp.IsZero() {
		m.Timestamp = p.now()
	}
	return m
}

func (p Parser) plain(line string) event.Message {
	return event.Message{
		Source:      p.source(),
		Kind:        severity(line),
		Description: line,
		Timestamp:   p.now(),
	}
}

func (p Parser) source() string {
	if s := strings.TrimSpace(p.Source); s != "" {
		return s
	}
	return DefaultSource
}

func (p Parser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

var severityWords = map[string]event.Kind{
	"error":   event.KindError,
	"err":     event.KindError,
	"fatal":   event.KindError,
	"panic":   event.KindError,
	"warn":    event.KindWarning,
	"warning": event.KindWarning,
	"start":   event.KindStart,
	"started": event.KindStart,
	"restart": event.KindRestart,
	"exit":    event.KindExit,
	"exited":  event.KindExit,
}

// severity recognizes "ERROR: x", "[warn] x" and "error x".
func severity(line string) event.Kind {
	word := strings.TrimSpace(line)
	if i := strings.IndexAny(word, " \t"); i >= 0 {
		word = word[:i]
	}
	word = strings.Trim(word, "[]():")
	if k, ok := severityWords[strings.ToLower(word)]; ok {
		return k
	}
	return event.KindLog
}

func parseTimestamp(raw jsoniter.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
		if err != nil {
			return time.Time{}
		}
		return t
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(secs*float64(time.Second))).UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
