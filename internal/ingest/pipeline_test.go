package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"hookrelay/internal/dispatch"
	"hookrelay/internal/event"
	logx "hookrelay/pkg/logx"
)

type recordingSink struct {
	mu   sync.Mutex
	got  map[string][]event.Message
	fail error
}

func (s *recordingSink) Submit(dest string, m event.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.got == nil {
		s.got = map[string][]event.Message{}
	}
	s.got[dest] = append(s.got[dest], m)
	return nil
}

func (s *recordingSink) count(dest string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got[dest])
}

func newTestPipeline(t *testing.T, sink Submitter) *Pipeline {
	t.Helper()
	f, err := NewFilter(nil, []string{"noisy"})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	r, err := NewRouter("https://d/default", []Route{{Sources: []string{"db"}, URL: "https://d/db"}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return NewPipeline(f, r, sink, logx.Nop())
}

func TestPipelineFiltersAndRoutes(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newTestPipeline(t, sink)
	if err := p.Handle(event.Message{Source: "db"}); err != nil {
		t.Fatalf("Handle db: %v", err)
	}
	if err := p.Handle(event.Message{Source: "api"}); err != nil {
		t.Fatalf("Handle api: %v", err)
	}
	if err := p.Handle(event.Message{Source: "noisy"}); !errors.Is(err, ErrFiltered) {
		t.Fatalf("noisy: err = %v", err)
	}
	if sink.count("https://d/db") != 1 || sink.count("https://d/default") != 1 {
		t.Fatalf("routing wrong: %+v", sink.got)
	}

	allowAll, _ := NewFilter(nil, nil)
	p.SetFilter(allowAll)
	if err := p.Handle(event.Message{Source: "noisy"}); err != nil {
		t.Fatalf("after SetFilter: %v", err)
	}
	acc, filt, failed := p.Counters()
	if acc != 3 || filt != 1 || failed != 0 {
		t.Fatalf("counters = %d/%d/%d", acc, filt, failed)
	}
}

func TestReadLines(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newTestPipeline(t, sink)
	in := strings.NewReader("first\n\n{\"source\":\"db\",\"description\":\"slow\"}\n{broken\nlast\n")
	if err := ReadLines(context.Background(), in, testParser(), p, logx.Nop()); err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if sink.count("https://d/default") != 2 || sink.count("https://d/db") != 1 {
		t.Fatalf("got %+v", sink.got)
	}
}

func TestHTTPIntake(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	h := Handler(HTTPConfig{Token: "tok"}, testParser(), newTestPipeline(t, sink), logx.Nop())

	post := func(body, ct, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := post(`{"source":"api"}`, "application/json", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	rec := post(`[{"source":"api","description":"a"},{"source":"noisy"}]`, "application/json", "tok")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("array: %d %s", rec.Code, rec.Body.String())
	}
	var resp intakeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 || resp.Filtered != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if rec := post("one\ntwo\n", "text/plain; charset=utf-8", "tok"); rec.Code != http.StatusAccepted {
		t.Fatalf("text: %d", rec.Code)
	}
	if sink.count("https://d/default") != 3 {
		t.Fatalf("default got %d", sink.count("https://d/default"))
	}
	if rec := post(`{"source":`, "application/json", "tok"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	hrec := httptest.NewRecorder()
	h.ServeHTTP(hrec, req)
	if hrec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", hrec.Code)
	}
}

func TestHTTPIntakeRateLimitAndOverload(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{fail: dispatch.ErrShuttingDown}
	h := Handler(HTTPConfig{RatePerSec: 1, Burst: 1}, testParser(), newTestPipeline(t, sink), logx.Nop())
	do := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"source":"api"}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := do(); code != http.StatusServiceUnavailable {
		t.Fatalf("first = %d, want 503 while shutting down", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", code)
	}
}
