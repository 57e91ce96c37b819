package ingest

import (
	"errors"
	"testing"
)

func TestFilter(t *testing.T) {
	t.Parallel()

	f, err := NewFilter([]string{"api*", "Worker"}, []string{"api-debug"})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	tests := []struct {
		source string
		want   bool
	}{
		{"api", true},
		{"API-gateway", true},
		{"worker", true},
		{"api-debug", false},
		{"cron", false},
	}
	for _, tt := range tests {
		if got := f.Allow(tt.source); got != tt.want {
			t.Fatalf("Allow(%q) = %v, want %v", tt.source, got, tt.want)
		}
	}

	var none *Filter
	if !none.Allow("anything") {
		t.Fatalf("nil filter must allow")
	}
	if _, err := NewFilter([]string{"[bad"}, nil); err == nil {
		t.Fatalf("bad pattern accepted")
	}
}

func TestRouter(t *testing.T) {
	t.Parallel()

	r, err := NewRouter("https://d/default", []Route{
		{Sources: []string{"db*"}, URL: "https://d/db"},
		{Sources: []string{"*"}, URL: "https://d/all"},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if got, _ := r.Resolve("DB-primary"); got != "https://d/db" {
		t.Fatalf("db route = %s", got)
	}
	if got, _ := r.Resolve("api"); got != "https://d/all" {
		t.Fatalf("first match wins, got %s", got)
	}
	if dests := r.Destinations(); len(dests) != 3 || dests[0] != "https://d/default" {
		t.Fatalf("destinations = %v", dests)
	}

	empty, _ := NewRouter("", nil)
	if _, err := empty.Resolve("x"); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("err = %v, want ErrNoDestination", err)
	}
	if _, err := NewRouter("", []Route{{URL: "https://d/x"}}); err == nil {
		t.Fatalf("route without sources accepted")
	}
}
