package ingest

import (
	"fmt"
	"path"
	"strings"
)

// Filter decides which sources are relayed. Patterns are path.Match globs
// compared case-insensitively. An empty include list allows everything;
// exclude always wins.
type Filter struct {
	include []string
	exclude []string
}

func NewFilter(include, exclude []string) (*Filter, error) {
	inc, err := compilePatterns(include)
	if err != nil {
		return nil, fmt.Errorf("sources.include: %w", err)
	}
	exc, err := compilePatterns(exclude)
	if err != nil {
		return nil, fmt.Errorf("sources.exclude: %w", err)
	}
	return &Filter{include: inc, exclude: exc}, nil
}

// Allow reports whether messages from source should be relayed. A nil
// Filter allows everything.
func (f *Filter) Allow(source string) bool {
	if f == nil {
		return true
	}
	s := strings.ToLower(strings.TrimSpace(source))
	if matchAny(f.exclude, s) {
		return false
	}
	if len(f.include) == 0 {
		return true
	}
	return matchAny(f.include, s)
}

func compilePatterns(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, s); ok {
			return true
		}
	}
	return false
}
