package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hookrelay/internal/config"
	"hookrelay/internal/dispatch"
	"hookrelay/internal/event"
	"hookrelay/internal/ingest"
	"hookrelay/internal/storage"
	"hookrelay/internal/webhook"
	logx "hookrelay/pkg/logx"
)

const testURL = "https://discord.com/api/webhooks/1/token"

type captureSender struct {
	mu      sync.Mutex
	batches [][]event.Message
}

func (s *captureSender) Deliver(ctx context.Context, dest string, batch []event.Message) (webhook.Limits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]event.Message(nil), batch...))
	return webhook.Limits{}, nil
}

func (s *captureSender) descriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.batches {
		for _, m := range b {
			out = append(out, m.Description)
		}
	}
	return out
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hookrelay.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"webhook":{"url":"http://example.com/hook"}}`)
	if _, err := New(path); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestStdinRelayAndDrain(t *testing.T) {
	t.Parallel()

	audit := filepath.Join(t.TempDir(), "audit.jsonl")
	path := writeConfig(t, `{
		"webhook": {"url": "`+testURL+`"},
		"sources": {"exclude": ["noisy*"]},
		"logging": {"level": "error", "console": true},
		"storage": {"driver": "file", "path": "`+audit+`"}
	}`)

	input := strings.NewReader(strings.Join([]string{
		`{"source":"db","kind":"alert","description":"disk full"}`,
		`{"source":"noisy-cron","description":"tick"}`,
		`plain line`,
	}, "\n"))
	sender := &captureSender{}
	a, err := New(path, WithInput(input), WithSource("host1"), WithSender(sender))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-a.InputDone():
	case <-time.After(5 * time.Second):
		t.Fatalf("input never finished")
	}
	if err := a.Stop(context.Background(), StopInputEOF); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop is idempotent.
	if err := a.Stop(context.Background(), StopInputEOF); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	got := strings.Join(sender.descriptions(), "|")
	if !strings.Contains(got, "disk full") || !strings.Contains(got, "plain line") {
		t.Fatalf("delivered=%q", got)
	}
	if strings.Contains(got, "tick") {
		t.Fatalf("filtered source was delivered: %q", got)
	}
	if err := a.Pipeline().Handle(event.Message{Source: "db", Description: "late"}); err == nil {
		t.Fatalf("submit after stop should fail")
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: audit}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen audit: %v", err)
	}
	defer st.Close()
	recent, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	found := false
	for _, d := range recent {
		if d.Event == dispatch.EventSent && d.Dest == dispatch.DestKey(testURL) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no sent record in audit: %+v", recent)
	}
}

func TestApplyConfigSwapsFilter(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"webhook":{"url":"`+testURL+`"},"logging":{"level":"error","console":true}}`)
	a, err := New(path, WithSender(&captureSender{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.registry.Close()

	next := *a.cfg
	next.Sources = config.SourcesConfig{Exclude: []string{"db"}}
	next.Buffer.MaxMessages = 50
	a.applyConfig(a.cfg, &next)

	if err := a.Pipeline().Handle(event.Message{Source: "db", Description: "x"}); err != ingest.ErrFiltered {
		t.Fatalf("err=%v, want ErrFiltered", err)
	}
}

func TestValidateReload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *config.Config) { c.Sources.Include = []string{"api-*"} }},
		{name: "bad include", mutate: func(c *config.Config) { c.Sources.Include = []string{"["} }, wantErr: "sources.include"},
		{name: "bad exclude", mutate: func(c *config.Config) { c.Sources.Exclude = []string{"db["} }, wantErr: "sources.exclude"},
		{
			name: "bad route",
			mutate: func(c *config.Config) {
				c.Webhook.Routes = []config.RouteConfig{{Sources: []string{"["}, URL: testURL}}
			},
			wantErr: "webhook.routes[0]",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			cfg.Webhook.URL = testURL
			tt.mutate(cfg)
			err := validateReload(context.Background(), cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateReload: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestReportLogsRateAndInvalidSince(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		snap        dispatch.Snapshot
		want        []string
		wantMissing string
	}{
		{
			name:        "healthy",
			snap:        dispatch.Snapshot{Dest: "a", Rate: dispatch.Rate{Interval: 100 * time.Millisecond, PerTick: 3}},
			want:        []string{`"rate_per_sec":30`},
			wantMissing: `"invalid_since"`,
		},
		{
			name: "invalid",
			snap: dispatch.Snapshot{
				Dest:         "b",
				State:        dispatch.StateInvalid,
				Rate:         dispatch.Rate{Interval: 2 * time.Second, PerTick: 1},
				InvalidSince: time.Unix(1700000000, 0),
			},
			want: []string{`"rate_per_sec":0.5`, `"invalid_since":`},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			r := &reporter{
				log:      logx.NewWriter(&buf, "info"),
				queues:   func() []dispatch.Snapshot { return []dispatch.Snapshot{tt.snap} },
				pipeline: ingest.NewPipeline(nil, nil, nil, logx.Nop()),
			}
			r.report()
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Fatalf("report output %q missing %s", out, w)
				}
			}
			if tt.wantMissing != "" && strings.Contains(out, tt.wantMissing) {
				t.Fatalf("report output %q should not contain %s", out, tt.wantMissing)
			}
		})
	}
}
