package ingest

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNoDestination = errors.New("ingest: no destination for source")

// Route sends messages from matching sources to URL.
type Route struct {
	Sources []string
	URL     string
}

// Router maps a source to exactly one destination: the first matching
// route, otherwise the fallback URL.
type Router struct {
	routes   []compiledRoute
	fallback string
}

type compiledRoute struct {
	patterns []string
	url      string
}

func NewRouter(fallback string, routes []Route) (*Router, error) {
	r := &Router{fallback: strings.TrimSpace(fallback)}
	for i, rt := range routes {
		pats, err := compilePatterns(rt.Sources)
		if err != nil {
			return nil, fmt.Errorf("webhook.routes[%d]: %w", i, err)
		}
		u := strings.TrimSpace(rt.URL)
		if u == "" || len(pats) == 0 {
			return nil, fmt.Errorf("webhook.routes[%d]: sources and url are required", i)
		}
		r.routes = append(r.routes, compiledRoute{patterns: pats, url: u})
	}
	return r, nil
}

// Resolve returns the destination for source.
func (r *Router) Resolve(source string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(source))
	for _, rt := range r.routes {
		if matchAny(rt.patterns, s) {
			return rt.url, nil
		}
	}
	if r.fallback == "" {
		return "", ErrNoDestination
	}
	return r.fallback, nil
}

// Destinations lists every distinct URL the router can return.
func (r *Router) Destinations() []string {
	seen := map[string]bool{}
	var out []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	add(r.fallback)
	for _, rt := range r.routes {
		add(rt.url)
	}
	return out
}
