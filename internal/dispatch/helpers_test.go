package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"hookrelay/internal/event"
	"hookrelay/internal/webhook"
)

// fakeSender records every batch. Results are consumed in order; once they
// run out every call succeeds (or returns fallback when set).
type fakeSender struct {
	mu       sync.Mutex
	calls    [][]event.Message
	results  []error
	fallback error
}

func (f *fakeSender) Deliver(_ context.Context, _ string, batch []event.Message) (webhook.Limits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]event.Message(nil), batch...))
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		return webhook.Limits{}, err
	}
	return webhook.Limits{}, f.fallback
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) contents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, batch := range f.calls {
		for _, m := range batch {
			out = append(out, m.Description)
		}
	}
	return out
}

func newTestQueue(t *testing.T, cfg Config, s Sender) (*Queue, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	q := New("https://discord.com/api/webhooks/1/test", cfg, s, Options{Clock: mock})
	t.Cleanup(q.Close)
	return q, mock
}

func msg(source, text string) event.Message {
	return event.Message{Source: source, Kind: event.KindLog, Description: text}
}

// waitFor polls cond. Mock timer callbacks run on their own goroutines.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// advanceUntil steps the mock clock until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		mock.Add(step)
		time.Sleep(2 * time.Millisecond)
	}
}

// drainAll runs manual cycles until the queue reports nothing was sent.
func drainAll(q *Queue) int {
	n := 0
	for q.DispatchOnce(context.Background()) {
		n++
		if n > 10_000 {
			break
		}
	}
	return n
}
