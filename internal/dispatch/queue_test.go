package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"

	"hookrelay/internal/event"
	"hookrelay/internal/eventbus"
	"hookrelay/internal/webhook"
)

func TestDispatchOnceOnEmptyQueueIsNoop(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	q, _ := newTestQueue(t, Config{}, s)
	for i := 0; i < 3; i++ {
		if q.DispatchOnce(context.Background()) {
			t.Fatalf("DispatchOnce on empty queue reported a delivery")
		}
	}
	if s.count() != 0 {
		t.Fatalf("calls = %d, want 0", s.count())
	}
	if st := q.State(); st != StateIdle {
		t.Fatalf("state = %s, want idle", st)
	}
}

func TestSubmitTruncatesLongDescriptions(t *testing.T) {
	t.Parallel()

	for _, buffered := range []bool{false, true} {
		buffered := buffered
		name := "direct"
		if buffered {
			name = "buffered"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := &fakeSender{}
			q, _ := newTestQueue(t, Config{BufferEnabled: buffered}, s)

			long := strings.Repeat("é", 2500)
			if err := q.Submit(msg("api", long)); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			q.Flush()
			drainAll(q)

			got := s.contents()
			if len(got) != 1 {
				t.Fatalf("delivered %d messages, want 1", len(got))
			}
			if n := utf8.RuneCountInString(got[0]); n != MaxChars {
				t.Fatalf("len = %d, want %d", n, MaxChars)
			}
			if !strings.HasSuffix(got[0], "...") || !strings.HasPrefix(got[0], strings.Repeat("é", 1997)) {
				t.Fatalf("unexpected truncation shape")
			}
			if q.Snapshot().Stats.Truncated != 1 {
				t.Fatalf("truncated counter not incremented")
			}
		})
	}
}

func TestSubmitExactlyAtLimitIsKept(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	q, _ := newTestQueue(t, Config{}, s)
	text := strings.Repeat("x", MaxChars)
	_ = q.Submit(msg("api", text))
	drainAll(q)
	if got := s.contents(); len(got) != 1 || got[0] != text {
		t.Fatalf("message at the limit was altered")
	}
}

func TestBufferCombinesMessagesInOrder(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	q, _ := newTestQueue(t, Config{BufferEnabled: true, BufferWindow: 2 * time.Second}, s)
	ts := time.Unix(1700000000, 0)
	for i, text := range []string{"Message 1", "Message 2", "Message 3"} {
		m := msg("api", text)
		m.Timestamp = ts.Add(time.Duration(i) * time.Second)
		if i == 1 {
			m.Source = "worker"
			m.Kind = event.KindError
		}
		_ = q.Submit(m)
	}
	if snap := q.Snapshot(); snap.Buffered != 3 || snap.Queued != 0 || snap.State != StateBuffering {
		t.Fatalf("snapshot = %+v", snap)
	}

	q.Flush()
	drainAll(q)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) != 1 || len(s.calls[0]) != 1 {
		t.Fatalf("calls = %v, want a single combined message", s.calls)
	}
	got := s.calls[0][0]
	if got.Description != "Message 1\nMessage 2\nMessage 3" {
		t.Fatalf("content = %q", got.Description)
	}
	if got.Source != "api" || got.Kind != event.KindLog || !got.Timestamp.Equal(ts) {
		t.Fatalf("combined message should reuse the first message's metadata, got %+v", got)
	}
}

func TestBufferWindowTimerFlushes(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	q, mock := newTestQueue(t, Config{BufferEnabled: true, BufferWindow: 2 * time.Second}, s)
	_ = q.Submit(msg("api", "a"))
	_ = q.Submit(msg("api", "b"))

	mock.Add(1500 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if q.Snapshot().Buffered != 2 {
		t.Fatalf("buffer flushed before the window expired")
	}

	advanceUntil(t, mock, 500*time.Millisecond, "delivery", func() bool { return s.count() == 1 })
	if got := s.contents(); len(got) != 1 || got[0] != "a\nb" {
		t.Fatalf("contents = %q", got)
	}
}

func TestBufferWindowIsRearmedBySubmit(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	q, mock := newTestQueue(t, Config{BufferEnabled: true, BufferWindow: 2 * time.Second}, s)
	_ = q.Submit(msg("api", "a"))
	mock.Add(1500 * time.Millisecond)
	_ = q.Submit(msg("api", "b"))
	mock.Add(1500 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if q.Snapshot().Buffered != 2 {
		t.Fatalf("window was not re-armed by the second submit")
	}
}

func TestBufferFlushesAtMaxCount(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	q, _ := newTestQueue(t, Config{BufferEnabled: true, MaxBuffered: 10}, s)
	for i := 0; i < 10; i++ {
		_ = q.Submit(msg("api", "m"))
	}
	snap := q.Snapshot()
	if snap.Buffered != 0 || snap.Queued != 1 {
		t.Fatalf("buffered=%d queued=%d, want 0/1", snap.Buffered, snap.Queued)
	}
}

func TestBufferRespectsCharacterCeiling(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	q, _ := newTestQueue(t, Config{BufferEnabled: true, MaxBuffered: 100}, s)

	_ = q.Submit(msg("api", strings.Repeat("a", 1000)))
	// 1000 + 1 separator + 1000 would be 2001: flush first.
	_ = q.Submit(msg("api", strings.Repeat("b", 1000)))
	if snap := q.Snapshot(); snap.Queued != 1 || snap.Buffered != 1 {
		t.Fatalf("after overflow: queued=%d buffered=%d", snap.Queued, snap.Buffered)
	}
	// 1000 + 1 + 999 is exactly 2000: append, then flush at the ceiling.
	_ = q.Submit(msg("api", strings.Repeat("c", 999)))
	if snap := q.Snapshot(); snap.Queued != 2 || snap.Buffered != 0 {
		t.Fatalf("at ceiling: queued=%d buffered=%d", snap.Queued, snap.Buffered)
	}

	drainAll(q)
	got := s.contents()
	if len(got) != 2 {
		t.Fatalf("delivered %d, want 2", len(got))
	}
	if got[0] != strings.Repeat("a", 1000) {
		t.Fatalf("first payload altered")
	}
	if utf8.RuneCountInString(got[1]) != MaxChars {
		t.Fatalf("second payload len = %d, want %d", utf8.RuneCountInString(got[1]), MaxChars)
	}
}

func TestBufferedPayloadsNeverExceedCeiling(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	s := &fakeSender{}
	q, _ := newTestQueue(t, Config{BufferEnabled: true, MaxBuffered: 100}, s)

	var want []string
	for i := 0; i < 300; i++ {
		n := 1 + rng.Intn(2600)
		text := strings.Repeat(string(rune('a'+i%26)), n)
		if n > MaxChars {
			text = strings.Repeat(string(rune('a'+i%26)), MaxChars-3) + "..."
		}
		want = append(want, text)
		if err := q.Submit(msg("api", strings.Repeat(string(rune('a'+i%26)), n))); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if i%17 == 0 {
			drainAll(q)
		}
	}
	q.Flush()
	drainAll(q)

	got := s.contents()
	for i, c := range got {
		if n := utf8.RuneCountInString(c); n > MaxChars {
			t.Fatalf("payload %d has %d chars", i, n)
		}
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("delivered content does not preserve submission order")
	}
}

func TestFailedMessageDroppedAfterSixFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"status", &webhook.StatusError{Code: 500}},
		{"network", errors.New("connection reset")},
		{"rate limited without wait", &webhook.RateLimitError{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := &fakeSender{fallback: tt.err}
			q, _ := newTestQueue(t, Config{}, s)
			_ = q.Submit(msg("api", "doomed"))

			for i := 1; i <= MaxRetries; i++ {
				if !q.DispatchOnce(context.Background()) {
					t.Fatalf("attempt %d: no delivery", i)
				}
				if q.Len() != 1 {
					t.Fatalf("attempt %d: message dropped early", i)
				}
			}
			if !q.DispatchOnce(context.Background()) {
				t.Fatalf("sixth attempt: no delivery")
			}
			if q.Len() != 0 {
				t.Fatalf("message still queued after six failures")
			}
			if q.DispatchOnce(context.Background()) {
				t.Fatalf("dropped message was sent again")
			}
			if s.count() != MaxRetries+1 {
				t.Fatalf("calls = %d, want %d", s.count(), MaxRetries+1)
			}
			if q.Snapshot().Stats.Dropped != 1 {
				t.Fatalf("dropped counter = %d", q.Snapshot().Stats.Dropped)
			}
		})
	}
}

func TestRequeueKeepsOriginalOrderAtHead(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{}, &fakeSender{})
	a, b, c := newEnvelope(msg("s", "A")), newEnvelope(msg("s", "B")), newEnvelope(msg("s", "C"))
	b.attempts = MaxRetries // next failure drops it

	q.mu.Lock()
	q.queue = []envelope{c}
	q.requeueLocked("attempt", []envelope{a, b}, errors.New("boom"))
	got := make([]string, len(q.queue))
	for i, env := range q.queue {
		got[i] = env.msg.Description
	}
	attempts := q.queue[0].attempts
	q.mu.Unlock()

	if strings.Join(got, ",") != "A,C" {
		t.Fatalf("queue = %v, want [A C]", got)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestFailedDeliveryIsRetriedFirst(t *testing.T) {
	t.Parallel()

	s := &fakeSender{results: []error{&webhook.StatusError{Code: 502}}}
	q, _ := newTestQueue(t, Config{}, s)
	for _, text := range []string{"A", "B", "C"} {
		_ = q.Submit(msg("s", text))
	}
	drainAll(q)
	if got := strings.Join(s.contents(), ","); got != "A,A,B,C" {
		t.Fatalf("send order = %s, want A,A,B,C", got)
	}
}

func TestBreakerStopsAllDelivery(t *testing.T) {
	t.Parallel()

	s := &fakeSender{results: []error{webhook.ErrWebhookNotFound}}
	q, mock := newTestQueue(t, Config{BufferEnabled: true, MaxBuffered: 10}, s)
	_ = q.Submit(msg("api", "first"))
	q.Flush()
	_ = q.Submit(msg("api", "buffered"))
	if !q.Snapshot().InvalidSince.IsZero() {
		t.Fatalf("invalid_since set before the breaker tripped")
	}
	trippedAt := mock.Now()

	if !q.DispatchOnce(context.Background()) {
		t.Fatalf("expected a delivery attempt")
	}
	snap := q.Snapshot()
	if snap.State != StateInvalid || snap.Queued != 0 || snap.Buffered != 0 {
		t.Fatalf("after 404: %+v", snap)
	}
	if !snap.InvalidSince.Equal(trippedAt) {
		t.Fatalf("invalid_since = %s, want %s", snap.InvalidSince, trippedAt)
	}

	if err := q.Submit(msg("api", "later")); !errors.Is(err, ErrSinkInvalid) {
		t.Fatalf("Submit err = %v, want ErrSinkInvalid", err)
	}
	q.Flush()
	if q.DispatchOnce(context.Background()) {
		t.Fatalf("delivery attempted after breaker tripped")
	}
	res := q.Shutdown(context.Background())
	if res.Reason != DrainInvalid {
		t.Fatalf("drain reason = %s", res.Reason)
	}
	if s.count() != 1 {
		t.Fatalf("calls = %d, want 1", s.count())
	}
}

func TestRateLimitArmsSingleResumeTimer(t *testing.T) {
	t.Parallel()

	s := &fakeSender{results: []error{&webhook.RateLimitError{RetryAfter: 3 * time.Second}}}
	q, mock := newTestQueue(t, Config{}, s)
	_ = q.Submit(msg("api", "hello"))

	if !q.DispatchOnce(context.Background()) {
		t.Fatalf("expected a delivery attempt")
	}
	snap := q.Snapshot()
	if snap.State != StateBackoff || snap.Queued != 1 {
		t.Fatalf("after 429: %+v", snap)
	}
	if want := mock.Now().Add(3 * time.Second); !snap.BlockedUntil.Equal(want) {
		t.Fatalf("blocked until %s, want %s", snap.BlockedUntil, want)
	}
	if q.DispatchOnce(context.Background()) {
		t.Fatalf("sent while backoff active")
	}

	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if s.count() != 1 {
		t.Fatalf("sent before the backoff deadline")
	}

	mock.Add(time.Second)
	waitFor(t, "resumed delivery", func() bool { return s.count() == 2 })
	waitFor(t, "idle", func() bool { return q.State() == StateIdle })
	if got := s.contents(); got[1] != "hello" {
		t.Fatalf("resumed with %q", got[1])
	}
}

func TestTickDeliversAtInterval(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	q, mock := newTestQueue(t, Config{RateMessages: 30, RateWindow: time.Minute}, s)
	for _, text := range []string{"1", "2", "3"} {
		_ = q.Submit(msg("api", text))
	}

	advanceUntil(t, mock, 10*time.Millisecond, "first tick", func() bool { return s.count() == 1 })
	start := mock.Now()
	advanceUntil(t, mock, 100*time.Millisecond, "second tick", func() bool { return s.count() == 2 })
	if gap := mock.Now().Sub(start); gap < q.Rate().Interval-100*time.Millisecond {
		t.Fatalf("second tick after %s, want about %s", gap, q.Rate().Interval)
	}
	advanceUntil(t, mock, 100*time.Millisecond, "third tick", func() bool { return s.count() == 3 })
	waitFor(t, "idle", func() bool { return q.State() == StateIdle && q.Len() == 0 })
}

func TestQueueLimitRejectsOverflow(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{QueueLimit: 2}, &fakeSender{})
	_ = q.Submit(msg("s", "1"))
	_ = q.Submit(msg("s", "2"))
	if err := q.Submit(msg("s", "3")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
}

func TestQueuePublishesLifecycleEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "relay.")
	defer unsub()

	s := &fakeSender{}
	q := New("https://discord.com/api/webhooks/1/x", Config{}, s, Options{Bus: bus, Clock: clock.NewMock()})
	defer q.Close()
	_ = q.Submit(msg("api", "hi"))
	q.DispatchOnce(context.Background())

	want := []string{EventQueued, EventSent}
	for _, typ := range want {
		select {
		case ev := <-ch:
			if ev.Type != typ {
				t.Fatalf("event = %s, want %s", ev.Type, typ)
			}
			de, ok := ev.Data.(DeliveryEvent)
			if !ok || de.Dest != q.Key() || de.Count != 1 {
				t.Fatalf("event data = %+v", ev.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}
}

func TestDestKeyHidesURL(t *testing.T) {
	t.Parallel()

	u := "https://discord.com/api/webhooks/123/secret-token"
	k := DestKey(u)
	if len(k) != 16 || strings.Contains(k, "secret") {
		t.Fatalf("key = %q", k)
	}
	if DestKey(u) != k || DestKey(u+"x") == k {
		t.Fatalf("key must be stable and distinct")
	}
}
