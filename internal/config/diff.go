package config

import "reflect"

// Changes lists the top-level sections that differ between two configs,
// split by whether a running process can apply them.
type Changes struct {
	Live    []string // logging, sources
	Restart []string // everything else
}

func (c Changes) Empty() bool { return len(c.Live) == 0 && len(c.Restart) == 0 }

// Diff compares old and new section by section.
func Diff(old, new *Config) Changes {
	var ch Changes
	if old == nil || new == nil {
		return ch
	}
	sections := []struct {
		name string
		live bool
		a, b any
	}{
		{"webhook", false, old.Webhook, new.Webhook},
		{"buffer", false, old.Buffer, new.Buffer},
		{"rate_limit", false, old.RateLimit, new.RateLimit},
		{"sources", true, old.Sources, new.Sources},
		{"ingest", false, old.Ingest, new.Ingest},
		{"logging", true, old.Logging, new.Logging},
		{"debug", false, old.Debug, new.Debug},
		{"storage", false, old.Storage, new.Storage},
		{"report", false, old.Report, new.Report},
		{"shutdown", false, old.Shutdown, new.Shutdown},
	}
	for _, s := range sections {
		if reflect.DeepEqual(s.a, s.b) {
			continue
		}
		if s.live {
			ch.Live = append(ch.Live, s.name)
		} else {
			ch.Restart = append(ch.Restart, s.name)
		}
	}
	return ch
}
