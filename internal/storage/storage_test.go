package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hookrelay/internal/dispatch"
	"hookrelay/internal/eventbus"
	logx "hookrelay/pkg/logx"
)

func openTest(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit."+driver)
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("sqlite without path accepted")
	}
}

func TestStoreRecordRecentPrune(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTest(t, driver)
			ctx := context.Background()
			base := time.UnixMilli(1_700_000_000_000)

			for i := 0; i < 5; i++ {
				d := Delivery{
					At:    base.Add(time.Duration(i) * time.Minute),
					Dest:  "k1",
					Event: dispatch.EventSent,
					Count: i + 1,
				}
				if i == 4 {
					d.Event = dispatch.EventDropped
					d.Reason = dispatch.ReasonRetryCap
					d.Error = "boom"
				}
				if err := st.Record(ctx, d); err != nil {
					t.Fatalf("Record: %v", err)
				}
			}

			got, err := st.Recent(ctx, 3)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("Recent returned %d, want 3", len(got))
			}
			if got[0].Count != 5 || got[0].Reason != dispatch.ReasonRetryCap || got[0].Error != "boom" {
				t.Fatalf("newest = %+v", got[0])
			}
			if !got[0].At.Equal(base.Add(4 * time.Minute)) {
				t.Fatalf("at = %s", got[0].At)
			}
			if got[2].Count != 3 {
				t.Fatalf("order wrong: %+v", got)
			}

			n, err := st.Prune(ctx, base.Add(2*time.Minute))
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if n != 2 {
				t.Fatalf("pruned %d, want 2", n)
			}
			all, _ := st.Recent(ctx, 100)
			if len(all) != 3 {
				t.Fatalf("after prune %d records, want 3", len(all))
			}
			// Still writable after prune.
			if err := st.Record(ctx, Delivery{At: base.Add(time.Hour), Dest: "k1", Event: dispatch.EventSent}); err != nil {
				t.Fatalf("Record after prune: %v", err)
			}
		})
	}
}

func TestFileStoreReloadsTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.Record(context.Background(), Delivery{Dest: "k", Event: dispatch.EventSent, Count: 7})
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, _ := st.Recent(context.Background(), 10)
	if len(got) != 1 || got[0].Count != 7 {
		t.Fatalf("reloaded = %+v", got)
	}
}

func TestRecorderPersistsBusEvents(t *testing.T) {
	t.Parallel()

	st := openTest(t, "sqlite")
	bus := eventbus.New()
	rec := NewRecorder(st, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx, bus)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: dispatch.EventQueued, Time: time.Now(), Data: dispatch.DeliveryEvent{Dest: "k", Count: 1}})
		bus.Publish(eventbus.Event{Type: dispatch.EventBackoff, Time: time.Now(), Data: dispatch.DeliveryEvent{Dest: "k", Count: 1, Delay: 1500 * time.Millisecond}})
		got, err := st.Recent(context.Background(), 1)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) == 1 {
			if got[0].Event != dispatch.EventBackoff || got[0].DelayMS != 1500 {
				t.Fatalf("recorded = %+v", got[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("nothing recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
