package storage

import (
	"context"
	"time"

	"hookrelay/internal/dispatch"
	"hookrelay/internal/eventbus"
	logx "hookrelay/pkg/logx"
)

// recorded lists the relay events worth persisting. Queued events are not.
var recorded = []string{
	dispatch.EventSent,
	dispatch.EventRetry,
	dispatch.EventDropped,
	dispatch.EventBackoff,
	dispatch.EventInvalid,
	dispatch.EventTruncated,
}

// Recorder writes relay events from the bus into a Store.
type Recorder struct {
	store Store
	log   logx.Logger
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log}
}

// FromEvent converts a bus event. ok is false for events that carry no
// delivery data.
func FromEvent(ev eventbus.Event) (Delivery, bool) {
	de, ok := ev.Data.(dispatch.DeliveryEvent)
	if !ok {
		return Delivery{}, false
	}
	at := de.At
	if at.IsZero() {
		at = ev.Time
	}
	return Delivery{
		At:       at,
		Dest:     de.Dest,
		Event:    ev.Type,
		Attempt:  de.Attempt,
		Count:    de.Count,
		Attempts: de.Attempts,
		Reason:   de.Reason,
		Error:    de.Error,
		DelayMS:  de.Delay.Milliseconds(),
	}, true
}

// Run consumes events until ctx is done. Write errors are logged, never
// returned: the audit trail must not stall delivery.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(512, recorded...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			// Write what is already buffered; drain events arrive just
			// before cancellation.
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					r.record(ev)
				default:
					return
				}
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) record(ev eventbus.Event) {
	d, ok := FromEvent(ev)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.store.Record(wctx, d); err != nil {
		r.log.Warn("audit write failed", logx.String("event", d.Event), logx.Err(err))
	}
}
