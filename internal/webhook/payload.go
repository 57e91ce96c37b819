package webhook

import (
	"strings"
	"unicode/utf8"

	"hookrelay/internal/event"
)

// DefaultUsername is shown when no message in a batch names its source.
const DefaultUsername = "hookrelay"

// The sink rejects usernames longer than this.
const maxUsernameLen = 80

// Payload is the JSON body posted to the sink.
type Payload struct {
	Content  string `json:"content"`
	Username string `json:"username"`
}

// BuildPayload joins descriptions with newlines and derives the username
// from the batch's sources.
func BuildPayload(batch []event.Message, fallback string) Payload {
	parts := make([]string, 0, len(batch))
	sources := make([]string, 0, len(batch))
	for _, m := range batch {
		parts = append(parts, m.Description)
		sources = append(sources, m.Source)
	}
	return Payload{
		Content:  strings.Join(parts, "\n"),
		Username: Username(sources, fallback),
	}
}

// Username returns the trimmed, de-duplicated, order-preserving union of
// sources joined by ", ". Blank input yields fallback (or DefaultUsername).
func Username(sources []string, fallback string) string {
	seen := make(map[string]struct{}, len(sources))
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		if f := strings.TrimSpace(fallback); f != "" {
			return f
		}
		return DefaultUsername
	}
	name := strings.Join(out, ", ")
	if utf8.RuneCountInString(name) > maxUsernameLen {
		r := []rune(name)
		name = string(r[:maxUsernameLen-3]) + "..."
	}
	return name
}
